package job

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/pkg/types"
)

const (
	columnSimulation = "SimulationName"
	columnStep       = "Step"
)

// Simulation advances a model through clock steps and emits one row per
// step for every report below it.
//
// Recognised properties on the simulation node:
//
//	steps        number of clock steps (default 1)
//	flush_every  steps between sink writes (default 100)
//	rates        map of value path -> increment applied every step
//
// A report node lists "variables"; "Soil.water as SW" names the column.
type Simulation struct {
	spec       Spec
	root       *model.Node
	sink       TableWriter
	steps      int
	flushEvery int
	rates      []rate
	reports    []*report
	step       atomic.Int64
}

type rate struct {
	path  string
	delta float64
}

type report struct {
	name    string
	paths   []string
	columns []string
	table   *types.Table
}

func newSimulation(node *model.Node, spec Spec, svc Services) (Work, error) {
	if svc.Sink == nil {
		return nil, fmt.Errorf("simulation %s: no result sink", spec.Name)
	}
	return &Simulation{spec: spec, root: node, sink: svc.Sink}, nil
}

func (s *Simulation) Name() string { return s.spec.Name }

func (s *Simulation) Prepare() error {
	s.steps = s.root.Int("steps", 1)
	if s.steps < 1 {
		return fmt.Errorf("steps must be at least 1, got %d", s.steps)
	}
	s.flushEvery = s.root.Int("flush_every", 100)
	if s.flushEvery < 1 {
		s.flushEvery = s.steps
	}

	if raw, ok := s.root.Properties["rates"].(map[string]any); ok {
		paths := make([]string, 0, len(raw))
		for p := range raw {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			d, ok := model.ToFloat(raw[p])
			if !ok {
				return fmt.Errorf("rate for %s is not a number", p)
			}
			if !s.root.HasValue(p) {
				return fmt.Errorf("rate path %s: %w", p, model.ErrNotFound)
			}
			s.rates = append(s.rates, rate{path: p, delta: d})
		}
	}

	for _, n := range s.root.FindAll(model.KindReport) {
		if !n.Enabled() {
			continue
		}
		r := &report{name: n.Name}
		header := []string{columnSimulation}
		for _, t := range s.spec.Tags {
			header = append(header, t.Key)
		}
		header = append(header, columnStep)
		for _, v := range n.Strings("variables") {
			path, col := splitVariable(v)
			r.paths = append(r.paths, path)
			r.columns = append(r.columns, col)
		}
		r.columns = append(header, r.columns...)
		r.table = types.NewTable(r.name, r.columns...)
		s.reports = append(s.reports, r)
	}
	return nil
}

func splitVariable(v string) (path, column string) {
	if i := strings.Index(strings.ToLower(v), " as "); i >= 0 {
		return strings.TrimSpace(v[:i]), strings.TrimSpace(v[i+4:])
	}
	return v, v
}

func (s *Simulation) Run(ctx context.Context) error {
	for step := 1; step <= s.steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if step > 1 {
			if err := s.advance(); err != nil {
				return err
			}
		}
		for _, r := range s.reports {
			if err := s.record(r, step); err != nil {
				return err
			}
		}
		s.step.Store(int64(step))
		if step%s.flushEvery == 0 || step == s.steps {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Simulation) advance() error {
	for _, r := range s.rates {
		cur, err := s.root.Get(r.path)
		if err != nil {
			return err
		}
		f, _ := model.ToFloat(cur)
		if err := s.root.Set(r.path, f+r.delta); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulation) record(r *report, step int) error {
	row := make([]any, 0, len(r.columns))
	row = append(row, s.spec.Name)
	for _, t := range s.spec.Tags {
		row = append(row, t.Value)
	}
	row = append(row, step)
	for _, p := range r.paths {
		v, err := s.root.Get(p)
		if err != nil {
			return fmt.Errorf("report %s: %w", r.name, err)
		}
		row = append(row, v)
	}
	return r.table.AddRow(row...)
}

func (s *Simulation) flush() error {
	for _, r := range s.reports {
		if r.table.Len() == 0 {
			continue
		}
		if err := s.sink.WriteTable(r.table); err != nil {
			return fmt.Errorf("write %s: %w", r.name, err)
		}
		r.table = types.NewTable(r.name, r.columns...)
	}
	return nil
}

func (s *Simulation) Cleanup(ctx context.Context) error {
	s.reports = nil
	s.rates = nil
	return nil
}

func (s *Simulation) Progress() float64 {
	if s.steps == 0 {
		return 0
	}
	return math.Min(1, float64(s.step.Load())/float64(s.steps))
}
