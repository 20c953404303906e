// Package model implements the model tree that work items are discovered
// from and materialized against.
package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Kind identifies what a node is.
type Kind string

const (
	KindSimulations  Kind = "simulations"
	KindFolder       Kind = "folder"
	KindSimulation   Kind = "simulation"
	KindExperiment   Kind = "experiment"
	KindFactors      Kind = "factors"
	KindFactor       Kind = "factor"
	KindLevel        Kind = "level"
	KindReplacements Kind = "replacements"
	KindZone         Kind = "zone"
	KindReport       Kind = "report"
	KindScript       Kind = "script"
	KindAnalysis     Kind = "analysis"
	KindCheck        Kind = "check"
	KindComponent    Kind = "component"
	KindPlaylist     Kind = "playlist"
)

var (
	// ErrNotFound is returned when a path does not resolve.
	ErrNotFound = errors.New("path not found")
	// ErrTypeMismatch is returned when a value does not fit its slot.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrNotChild is returned by Replace and Remove for foreign nodes.
	ErrNotChild = errors.New("node is not a child")
)

// Node is one element of the model tree.
type Node struct {
	Name       string
	Kind       Kind
	Disabled   bool
	Properties map[string]any
	Children   []*Node

	parent       *Node
	created      atomic.Bool
	initializing atomic.Bool
}

// New creates a detached node.
func New(kind Kind, name string) *Node {
	return &Node{Name: name, Kind: kind, Properties: make(map[string]any)}
}

// WithProps sets properties and returns n.
func (n *Node) WithProps(props map[string]any) *Node {
	for k, v := range props {
		n.SetProperty(k, v)
	}
	return n
}

// Add attaches children and runs their created hooks. It returns n.
func (n *Node) Add(children ...*Node) *Node {
	for _, c := range children {
		if c.parent != nil {
			_ = c.parent.Remove(c)
		}
		c.parent = n
		n.Children = append(n.Children, c)
		c.notifyCreated()
	}
	return n
}

// Remove detaches child.
func (n *Node) Remove(child *Node) error {
	for i, c := range n.Children {
		if c == child {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			child.parent = nil
			return nil
		}
	}
	return ErrNotChild
}

// Replace swaps old for repl in place, keeping sibling order.
func (n *Node) Replace(old, repl *Node) error {
	for i, c := range n.Children {
		if c == old {
			if repl.parent != nil {
				_ = repl.parent.Remove(repl)
			}
			old.parent = nil
			repl.parent = n
			n.Children[i] = repl
			repl.notifyCreated()
			return nil
		}
	}
	return fmt.Errorf("replace %s in %s: %w", old.Name, n.Name, ErrNotChild)
}

// Parent returns the parent node or nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// Root returns the top of n's tree.
func (n *Node) Root() *Node {
	r := n
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Enabled reports whether n is switched on.
func (n *Node) Enabled() bool { return !n.Disabled }

// Child returns the direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenOfKind returns the direct children of the given kind.
func (n *Node) ChildrenOfKind(kind Kind) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Walk visits n and its descendants in depth-first pre-order. Returning
// false from fn skips that node's subtree.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// FindDescendants returns all descendants of n (excluding n) matching pred.
func (n *Node) FindDescendants(pred func(*Node) bool) []*Node {
	var out []*Node
	for _, c := range n.Children {
		c.Walk(func(d *Node) bool {
			if pred(d) {
				out = append(out, d)
			}
			return true
		})
	}
	return out
}

// FindAll returns all descendants of the given kind.
func (n *Node) FindAll(kind Kind) []*Node {
	return n.FindDescendants(func(d *Node) bool { return d.Kind == kind })
}

// FindByName returns the first descendant with the given name.
func (n *Node) FindByName(name string) *Node {
	var found *Node
	for _, c := range n.Children {
		c.Walk(func(d *Node) bool {
			if found != nil {
				return false
			}
			if d.Name == name {
				found = d
				return false
			}
			return true
		})
		if found != nil {
			break
		}
	}
	return found
}

// Ancestors returns the chain of parents, nearest first.
func (n *Node) Ancestors() []*Node {
	var out []*Node
	for p := n.parent; p != nil; p = p.parent {
		out = append(out, p)
	}
	return out
}

// Ancestor returns the nearest ancestor of the given kind.
func (n *Node) Ancestor(kind Kind) *Node {
	for p := n.parent; p != nil; p = p.parent {
		if p.Kind == kind {
			return p
		}
	}
	return nil
}

// FullPath returns the dotted path from the root, e.g. ".Simulations.Sim1.Field".
func (n *Node) FullPath() string {
	parts := []string{n.Name}
	for p := n.parent; p != nil; p = p.parent {
		parts = append(parts, p.Name)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('.')
		b.WriteString(parts[i])
	}
	return b.String()
}

// Clone returns a detached deep copy of n and its subtree.
func (n *Node) Clone() *Node {
	c := &Node{
		Name:       n.Name,
		Kind:       n.Kind,
		Disabled:   n.Disabled,
		Properties: cloneMap(n.Properties),
	}
	c.Children = make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		cc := child.Clone()
		cc.parent = c
		c.Children = append(c.Children, cc)
	}
	return c
}

// Property returns a top-level property.
func (n *Node) Property(key string) (any, bool) {
	v, ok := n.Properties[key]
	return v, ok
}

// SetProperty sets a top-level property.
func (n *Node) SetProperty(key string, v any) {
	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
	n.Properties[key] = v
}

// String returns a string property or def.
func (n *Node) String(key, def string) string {
	if v, ok := n.Properties[key].(string); ok {
		return v
	}
	return def
}

// Int returns an integer property or def. Floats are truncated.
func (n *Node) Int(key string, def int) int {
	if f, ok := toFloat(n.Properties[key]); ok {
		return int(f)
	}
	return def
}

// Strings returns a list property as strings.
func (n *Node) Strings(key string) []string {
	switch v := n.Properties[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Initializing reports whether the subtree rooted at n is still being built.
func (n *Node) Initializing() bool { return n.initializing.Load() }

// SetInitializing marks n as being built (or done).
func (n *Node) SetInitializing(v bool) { n.initializing.Store(v) }

// CreatedHook runs once per node after it is attached to a tree.
type CreatedHook func(n *Node)

var (
	hooksMu sync.RWMutex
	hooks   = make(map[Kind][]CreatedHook)
)

// OnCreated registers a hook for nodes of the given kind.
func OnCreated(kind Kind, hook CreatedHook) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks[kind] = append(hooks[kind], hook)
}

// Attach runs the created hooks for a root and its whole subtree. Nodes
// that already ran their hooks are skipped.
func Attach(root *Node) *Node {
	root.notifyCreated()
	return root
}

func (n *Node) notifyCreated() {
	n.Walk(func(d *Node) bool {
		if d.created.Swap(true) {
			return true
		}
		if d.Properties == nil {
			d.Properties = make(map[string]any)
		}
		hooksMu.RLock()
		hs := hooks[d.Kind]
		hooksMu.RUnlock()
		for _, h := range hs {
			h(d)
		}
		return true
	})
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneValue deep-copies property values: maps, slices and scalars.
func CloneValue(v any) any { return cloneValue(v) }

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	return v
}
