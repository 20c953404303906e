package post

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/pkg/script"
	"yqhp/sim-engine/pkg/types"
)

// ErrCheckFailed is wrapped by a check whose expectation is false.
var ErrCheckFailed = errors.New("expectation not met")

// Analysis runs a script over the refreshed tables. The script sees
// "tables" (name -> array of row objects) and write(table, row).
type Analysis struct {
	name   string
	source string
}

// NewAnalysis creates an analysis step.
func NewAnalysis(name, source string) *Analysis {
	return &Analysis{name: name, source: source}
}

func (a *Analysis) Name() string { return a.name }

func (a *Analysis) Run(ctx context.Context, env *Env) error {
	if strings.TrimSpace(a.source) == "" {
		return fmt.Errorf("analysis %s has no source", a.name)
	}
	rt := newRuntime(a.name, env)

	out := make(map[string]*types.Table)
	var order []string
	vm := rt.VM()
	err := rt.Set("write", func(call goja.FunctionCall) goja.Value {
		rec, err := script.Record(call.Argument(1))
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		name := call.Argument(0).String()
		t, ok := out[name]
		if !ok {
			t = types.NewTable(name)
			out[name] = t
			order = append(order, name)
		}
		t.AddRecord(rec)
		return goja.Undefined()
	})
	if err != nil {
		return err
	}

	if _, err := rt.Execute(ctx, a.source); err != nil {
		return err
	}
	for _, name := range order {
		if err := env.Writer.WriteTable(out[name]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Check evaluates a boolean expression over the refreshed tables. The
// expression sees "tables" and rows(name).
type Check struct {
	name    string
	expect  string
	message string
}

// NewCheck creates a check step.
func NewCheck(name, expect, message string) *Check {
	return &Check{name: name, expect: expect, message: message}
}

func (c *Check) Name() string { return c.name }

func (c *Check) Run(ctx context.Context, env *Env) error {
	if strings.TrimSpace(c.expect) == "" {
		return fmt.Errorf("check %s has no expectation", c.name)
	}
	ok, err := newRuntime(c.name, env).Eval(ctx, c.expect)
	if err != nil {
		return err
	}
	if !ok {
		if c.message != "" {
			return fmt.Errorf("%w: %s", ErrCheckFailed, c.message)
		}
		return fmt.Errorf("%w: %s", ErrCheckFailed, c.expect)
	}
	return nil
}

func newRuntime(name string, env *Env) *script.JSRuntime {
	tables := make(map[string]any)
	for _, tn := range env.Reader.TableNames() {
		t, _ := env.Reader.Table(tn)
		recs := t.Records()
		rows := make([]any, len(recs))
		for i, r := range recs {
			rows[i] = r
		}
		tables[tn] = rows
	}
	return script.NewJSRuntime(&script.JSRuntimeConfig{
		Name: name,
		Globals: map[string]any{
			"tables": tables,
			"rows": func(table string) []any {
				if rows, ok := tables[table].([]any); ok {
					return rows
				}
				return []any{}
			},
		},
	})
}

var genericNames = map[string]bool{"": true, "check": true, "checks": true, "test": true, "tests": true}

// StepName returns n's name, or the nearest meaningfully named ancestor's
// name when n's own is generic.
func StepName(n *model.Node) string {
	if !genericNames[strings.ToLower(n.Name)] {
		return n.Name
	}
	for _, a := range n.Ancestors() {
		if a.Parent() == nil {
			break
		}
		if !genericNames[strings.ToLower(a.Name)] && a.Kind != model.KindFolder {
			if n.Name == "" {
				return a.Name
			}
			return a.Name + "." + n.Name
		}
	}
	if n.Name == "" {
		return string(n.Kind)
	}
	return n.Name
}

// FromTree registers every enabled analysis and check under root, in
// tree order.
func FromTree(p *Pipeline, root *model.Node) {
	root.Walk(func(n *model.Node) bool {
		if !n.Enabled() {
			return false
		}
		switch n.Kind {
		case model.KindAnalysis:
			p.AddAnalysis(NewAnalysis(StepName(n), n.String("source", "")))
		case model.KindCheck:
			p.AddCheck(NewCheck(StepName(n), n.String("expect", ""), n.String("message", "")))
		}
		return true
	})
}
