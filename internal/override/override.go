// Package override applies model and property replacements to a cloned
// simulation before it runs.
package override

import (
	"errors"
	"fmt"

	"yqhp/sim-engine/internal/model"
)

// ErrNoMatch is returned when an override finds nothing to act on.
var ErrNoMatch = errors.New("override matched nothing")

// Override changes a materialized model in place.
type Override interface {
	// Apply mutates target. It must not mutate the override itself.
	Apply(target *model.Node) error
	// Check reports whether Apply would resolve against target without
	// changing it.
	Check(target *model.Node) error
	String() string
}

// sites returns target followed by every zone below it. Relative paths
// are resolved at each site so repeated spatial structures all change.
func sites(target *model.Node) []*model.Node {
	return append([]*model.Node{target}, target.FindAll(model.KindZone)...)
}

// ModelReplacement swaps subtrees for copies of Replacement. With Path set
// it replaces the single node at that path; otherwise every descendant
// with Replacement's name and kind.
type ModelReplacement struct {
	Path        string
	Replacement *model.Node
	// Optional replacements are allowed to match nothing. Ambient
	// replacement containers use this.
	Optional bool
}

func (r *ModelReplacement) String() string {
	if r.Path != "" {
		return "replace " + r.Path
	}
	return "replace " + r.Replacement.Name
}

func (r *ModelReplacement) Apply(target *model.Node) error {
	targets, err := r.matches(target)
	if err != nil {
		return err
	}
	for _, old := range targets {
		repl := r.Replacement.Clone()
		repl.Name = old.Name
		parent := old.Parent()
		if parent == nil {
			return fmt.Errorf("%s: cannot replace the materialized root", r)
		}
		if err := parent.Replace(old, repl); err != nil {
			return fmt.Errorf("%s: %w", r, err)
		}
	}
	return nil
}

func (r *ModelReplacement) Check(target *model.Node) error {
	_, err := r.matches(target)
	return err
}

func (r *ModelReplacement) matches(target *model.Node) ([]*model.Node, error) {
	if r.Replacement == nil {
		return nil, fmt.Errorf("%s: no replacement model", r)
	}

	var out []*model.Node
	seen := make(map[*model.Node]bool)
	if r.Path != "" {
		for _, site := range sites(target) {
			n, err := site.Find(r.Path)
			if err != nil || n == target || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	} else {
		out = target.FindDescendants(func(n *model.Node) bool {
			return n.Name == r.Replacement.Name && n.Kind == r.Replacement.Kind
		})
	}

	if len(out) == 0 && !r.Optional {
		return nil, fmt.Errorf("%s: %w", r, ErrNoMatch)
	}
	return out, nil
}

// PropertyReplacement overwrites one value slot.
type PropertyReplacement struct {
	Path  string
	Value any
}

func (p *PropertyReplacement) String() string {
	return fmt.Sprintf("set %s = %v", p.Path, p.Value)
}

func (p *PropertyReplacement) Apply(target *model.Node) error {
	applied := 0
	for _, site := range sites(target) {
		if !site.HasValue(p.Path) {
			continue
		}
		if err := site.Set(p.Path, model.CloneValue(p.Value)); err != nil {
			return err
		}
		applied++
	}
	if applied == 0 {
		// report the resolution error from the primary site
		if _, err := target.Get(p.Path); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", p, ErrNoMatch)
	}
	return nil
}

func (p *PropertyReplacement) Check(target *model.Node) error {
	for _, site := range sites(target) {
		if site.HasValue(p.Path) {
			return nil
		}
	}
	_, err := target.Get(p.Path)
	if err == nil {
		err = ErrNoMatch
	}
	return fmt.Errorf("%s: %w", p, err)
}

// Apply runs overrides against target in order. Later overrides win.
func Apply(target *model.Node, overrides []Override) error {
	for _, o := range overrides {
		if err := o.Apply(target); err != nil {
			return err
		}
	}
	return nil
}

// Ambient collects the replacements from every enabled "replacements"
// container between the simulations root and base, outermost first.
// base is a node in the shared tree and is not modified.
func Ambient(base *model.Node) []Override {
	chain := base.Ancestors()
	var out []Override
	for i := len(chain) - 1; i >= 0; i-- {
		for _, c := range chain[i].ChildrenOfKind(model.KindReplacements) {
			if !c.Enabled() {
				continue
			}
			for _, repl := range c.Children {
				if !repl.Enabled() {
					continue
				}
				out = append(out, &ModelReplacement{Replacement: repl, Optional: true})
			}
		}
	}
	return out
}
