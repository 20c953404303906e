package catalog

import (
	"fmt"
	"sort"

	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/override"
	"yqhp/sim-engine/pkg/types"
)

type level struct {
	factor    string
	name      string
	overrides []override.Override
}

// expandExperiment yields one descriptor per factor combination. The first
// factor varies slowest.
func expandExperiment(exp *model.Node) ([]*job.Descriptor, error) {
	fail := func(err error) error { return &types.DiscoveryError{Name: exp.Name, Err: err} }

	var base *model.Node
	for _, s := range exp.ChildrenOfKind(model.KindSimulation) {
		if s.Enabled() {
			base = s
			break
		}
	}
	if base == nil {
		return nil, fail(fmt.Errorf("experiment has no base simulation"))
	}

	var factors []*model.Node
	for _, c := range exp.Children {
		switch {
		case !c.Enabled():
		case c.Kind == model.KindFactor:
			factors = append(factors, c)
		case c.Kind == model.KindFactors:
			for _, f := range c.ChildrenOfKind(model.KindFactor) {
				if f.Enabled() {
					factors = append(factors, f)
				}
			}
		}
	}
	if len(factors) == 0 {
		return nil, fail(fmt.Errorf("experiment has no factors"))
	}

	axes := make([][]level, 0, len(factors))
	for _, f := range factors {
		levels, err := factorLevels(f)
		if err != nil {
			return nil, fail(err)
		}
		for _, l := range levels {
			for _, o := range l.overrides {
				if err := o.Check(base); err != nil {
					return nil, fail(fmt.Errorf("factor %s level %s: %w", f.Name, l.name, err))
				}
			}
		}
		axes = append(axes, levels)
	}

	disabled := make(map[string]bool)
	for _, name := range exp.Strings("disabled") {
		disabled[name] = true
	}

	var out []*job.Descriptor
	combo := make([]level, len(axes))
	var expand func(i int)
	expand = func(i int) {
		if i == len(axes) {
			name := exp.Name
			tags := []types.Tag{{Key: "Experiment", Value: exp.Name}}
			var overrides []override.Override
			for _, l := range combo {
				name += l.factor + l.name
				tags = append(tags, types.Tag{Key: l.factor, Value: l.name})
				overrides = append(overrides, l.overrides...)
			}
			if disabled[name] {
				return
			}
			d := job.NewSimulation(name, base, tags, overrides)
			d.Origin = exp.Name
			out = append(out, d)
			return
		}
		for _, l := range axes[i] {
			combo[i] = l
			expand(i + 1)
		}
	}
	expand(0)
	return out, nil
}

// factorLevels reads either path+values or level children.
func factorLevels(f *model.Node) ([]level, error) {
	var levels []level

	if path := f.String("path", ""); path != "" {
		values, _ := f.Properties["values"].([]any)
		if len(values) == 0 {
			return nil, fmt.Errorf("factor %s has a path but no values", f.Name)
		}
		for _, v := range values {
			levels = append(levels, level{
				factor:    f.Name,
				name:      fmt.Sprint(v),
				overrides: []override.Override{&override.PropertyReplacement{Path: path, Value: v}},
			})
		}
	}

	for _, c := range f.ChildrenOfKind(model.KindLevel) {
		if !c.Enabled() {
			continue
		}
		l := level{factor: f.Name, name: c.Name}
		if set, ok := c.Properties["set"].(map[string]any); ok {
			paths := make([]string, 0, len(set))
			for p := range set {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				l.overrides = append(l.overrides, &override.PropertyReplacement{Path: p, Value: set[p]})
			}
		}
		for _, repl := range c.Children {
			if !repl.Enabled() {
				continue
			}
			l.overrides = append(l.overrides, &override.ModelReplacement{
				Path:        repl.String("target", ""),
				Replacement: repl,
			})
		}
		levels = append(levels, l)
	}

	if len(levels) == 0 {
		return nil, fmt.Errorf("factor %s has no levels", f.Name)
	}
	return levels, nil
}
