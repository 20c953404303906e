package model

// Snapshot is the serializable form of a subtree. It is the YAML file
// format (properties inline) and the payload shipped to worker processes.
type Snapshot struct {
	Kind       Kind           `yaml:"kind" cbor:"kind"`
	Name       string         `yaml:"name,omitempty" cbor:"name,omitempty"`
	Enabled    *bool          `yaml:"enabled,omitempty" cbor:"enabled,omitempty"`
	Properties map[string]any `yaml:",inline" cbor:"props,omitempty"`
	Children   []Snapshot     `yaml:"children,omitempty" cbor:"children,omitempty"`
}

// Snapshot captures n and its subtree.
func (n *Node) Snapshot() Snapshot {
	s := Snapshot{
		Kind: n.Kind,
		Name: n.Name,
	}
	if n.Disabled {
		off := false
		s.Enabled = &off
	}
	if len(n.Properties) > 0 {
		s.Properties = cloneMap(n.Properties)
	}
	for _, c := range n.Children {
		s.Children = append(s.Children, c.Snapshot())
	}
	return s
}

// FromSnapshot rebuilds a tree and runs its created hooks.
func FromSnapshot(s Snapshot) *Node {
	root := build(s)
	root.SetInitializing(true)
	Attach(root)
	root.SetInitializing(false)
	return root
}

func build(s Snapshot) *Node {
	n := &Node{
		Name:       s.Name,
		Kind:       s.Kind,
		Disabled:   s.Enabled != nil && !*s.Enabled,
		Properties: normalizeMap(s.Properties),
	}
	for _, cs := range s.Children {
		c := build(cs)
		c.parent = n
		n.Children = append(n.Children, c)
	}
	return n
}

// normalizeMap converts decoder-specific container types into
// map[string]any and []any so property paths behave the same whatever
// the source format.
func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			if ks, ok := k.(string); ok {
				m[ks] = normalize(e)
			}
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case uint64:
		if t <= 1<<63-1 {
			return int64(t)
		}
	}
	return v
}
