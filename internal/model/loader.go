package model

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// Load reads a model tree from a .yaml/.yml or .hcl file.
func Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return ParseHCL(data, path)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported model file extension: %s", filepath.Ext(path))
	}
}

// ParseYAML decodes a tree written as nested snapshots:
//
//	kind: simulations
//	name: Simulations
//	children:
//	  - kind: simulation
//	    name: Sim1
//	    steps: 10
func ParseYAML(data []byte) (*Node, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse yaml model: %w", err)
	}
	if err := validate(s); err != nil {
		return nil, err
	}
	return FromSnapshot(s), nil
}

var modelSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{{Type: "model", LabelNames: []string{"kind", "name"}}},
}

// ParseHCL decodes a tree written as nested model blocks:
//
//	model "simulations" "Simulations" {
//	  model "simulation" "Sim1" {
//	    steps = 10
//	  }
//	}
//
// Several top-level blocks are wrapped in a "Simulations" root.
func ParseHCL(data []byte, filename string) (*Node, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	content, diags := file.Body.Content(modelSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if len(content.Blocks) == 0 {
		return nil, fmt.Errorf("%s: no model blocks", filename)
	}

	snaps := make([]Snapshot, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		s, err := translateHCL(block)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		snaps = append(snaps, s)
	}

	top := snaps[0]
	if len(snaps) > 1 {
		top = Snapshot{Kind: KindSimulations, Name: "Simulations", Children: snaps}
	}
	if err := validate(top); err != nil {
		return nil, err
	}
	return FromSnapshot(top), nil
}

func translateHCL(block *hcl.Block) (Snapshot, error) {
	name := block.Labels[1]
	s := Snapshot{Kind: Kind(block.Labels[0]), Name: name, Properties: map[string]any{}}

	content, _, diags := block.Body.PartialContent(modelSchema)
	if diags.HasErrors() {
		return s, fmt.Errorf("model %s: %w", name, diags)
	}
	attrs, diags := bodyAttributes(block.Body)
	if diags.HasErrors() {
		return s, fmt.Errorf("model %s: %w", name, diags)
	}
	for attrName, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return s, fmt.Errorf("model %s attribute %s: %w", name, attrName, diags)
		}
		native, err := ctyToNative(val)
		if err != nil {
			return s, fmt.Errorf("model %s attribute %s: %w", name, attrName, err)
		}
		if attrName == "enabled" {
			if b, ok := native.(bool); ok {
				s.Enabled = &b
				continue
			}
		}
		s.Properties[attrName] = native
	}

	for _, child := range content.Blocks {
		cs, err := translateHCL(child)
		if err != nil {
			return s, err
		}
		s.Children = append(s.Children, cs)
	}
	return s, nil
}

// bodyAttributes returns the attributes of a body that also holds model
// blocks. hclsyntax refuses JustAttributes on any body with blocks, so
// syntax bodies are read directly. Blocks other than model are rejected.
func bodyAttributes(body hcl.Body) (hcl.Attributes, hcl.Diagnostics) {
	sb, ok := body.(*hclsyntax.Body)
	if !ok {
		return body.JustAttributes()
	}
	var diags hcl.Diagnostics
	for _, b := range sb.Blocks {
		if b.Type != "model" {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported block type",
				Detail:   fmt.Sprintf("Blocks of type %q are not expected here.", b.Type),
				Subject:  &b.TypeRange,
			})
		}
	}
	attrs := make(hcl.Attributes, len(sb.Attributes))
	for name, attr := range sb.Attributes {
		attrs[name] = attr.AsHCLAttribute()
	}
	return attrs, diags
}

// ctyToNative converts a cty.Value to plain Go values. Whole numbers
// become int64.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, e := it.Element()
			native, err := ctyToNative(e)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			k, e := it.Element()
			native, err := ctyToNative(e)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", k.AsString(), err)
			}
			out[k.AsString()] = native
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type: %s", ty.FriendlyName())
}

func validate(s Snapshot) error {
	if s.Kind == "" {
		return fmt.Errorf("model %q has no kind", s.Name)
	}
	for _, c := range s.Children {
		if err := validate(c); err != nil {
			return err
		}
	}
	return nil
}
