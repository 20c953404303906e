package model

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Paths are dotted. Each leading segment names a child of the current
// node; a segment in brackets ("[Soil]") names the first descendant with
// that name. A path starting with "." is absolute and its first segment
// must name the root. Segments left over once no child matches address a
// value inside the node's properties and may use JSONPath indexing
// ("layers[0].depth").

// Locate resolves the node part of path and returns it with the unresolved
// remainder.
func (n *Node) Locate(path string) (*Node, []string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, nil, err
	}

	cur := n
	if strings.HasPrefix(path, ".") {
		cur = n.Root()
		if len(segs) == 0 || segs[0] != cur.Name {
			return nil, nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		segs = segs[1:]
	}

	for len(segs) > 0 {
		seg := segs[0]
		var next *Node
		if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") {
			name := seg[1 : len(seg)-1]
			if cur.Name == name {
				next = cur
			} else {
				next = cur.FindByName(name)
			}
			if next == nil {
				return nil, nil, fmt.Errorf("%s: no model named %s under %s: %w", path, name, cur.Name, ErrNotFound)
			}
		} else {
			next = cur.Child(seg)
			if next == nil {
				break
			}
		}
		cur = next
		segs = segs[1:]
	}
	return cur, segs, nil
}

// Find resolves path to a node. The whole path must name models.
func (n *Node) Find(path string) (*Node, error) {
	node, rest, err := n.Locate(path)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%s: no model %s under %s: %w", path, rest[0], node.Name, ErrNotFound)
	}
	return node, nil
}

// Get resolves path to a property value.
func (n *Node) Get(path string) (any, error) {
	node, expr, err := n.valueSlot(path)
	if err != nil {
		return nil, err
	}
	results := expr.Get(node.Properties)
	if len(results) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return results[0], nil
}

// Set overwrites the existing value slot at path. The slot must exist and
// the new value must have a compatible type.
func (n *Node) Set(path string, value any) error {
	node, expr, err := n.valueSlot(path)
	if err != nil {
		return err
	}
	existing := expr.Get(node.Properties)
	if len(existing) == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if !compatible(existing[0], value) {
		return fmt.Errorf("%s: cannot assign %T to %T: %w", path, value, existing[0], ErrTypeMismatch)
	}
	if err := expr.Set(node.Properties, value); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// HasValue reports whether path resolves to an existing value slot.
func (n *Node) HasValue(path string) bool {
	_, err := n.Get(path)
	return err == nil
}

func (n *Node) valueSlot(path string) (*Node, jp.Expr, error) {
	node, rest, err := n.Locate(path)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 {
		return nil, nil, fmt.Errorf("%s: names a model, not a value: %w", path, ErrNotFound)
	}
	expr, err := jp.ParseString("$." + strings.Join(rest, "."))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return node, expr, nil
}

// splitPath splits on dots outside brackets.
func splitPath(path string) ([]string, error) {
	var (
		segs  []string
		cur   strings.Builder
		depth int
	)
	for _, r := range strings.TrimPrefix(path, ".") {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%s: unbalanced brackets", path)
			}
		case r == '.' && depth == 0:
			if cur.Len() == 0 {
				return nil, fmt.Errorf("%s: empty path segment", path)
			}
			segs = append(segs, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%s: unbalanced brackets", path)
	}
	if cur.Len() > 0 {
		segs = append(segs, cur.String())
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	return segs, nil
}

func compatible(old, value any) bool {
	if old == nil || value == nil {
		return true
	}
	_, oldNum := toFloat(old)
	_, newNum := toFloat(value)
	if oldNum || newNum {
		return oldNum && newNum
	}
	return reflect.TypeOf(old).Kind() == reflect.TypeOf(value).Kind()
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// ToFloat converts any numeric value to float64.
func ToFloat(v any) (float64, bool) { return toFloat(v) }
