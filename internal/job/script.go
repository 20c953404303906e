package job

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/pkg/script"
	"yqhp/sim-engine/pkg/types"
)

// Script is an opaque tool run by the JavaScript runtime. The script sees
// a global "ctx" with name, tags, get(path), write(table, row) and
// progress(fraction). Rows are flushed to the sink when the script ends.
type Script struct {
	spec     Spec
	node     *model.Node
	sink     TableWriter
	source   string
	rt       *script.JSRuntime
	progress atomic.Uint64

	mu     sync.Mutex
	tables map[string]*types.Table
	order  []string
}

func newScript(node *model.Node, spec Spec, svc Services) (Work, error) {
	return &Script{spec: spec, node: node, sink: svc.Sink, tables: make(map[string]*types.Table)}, nil
}

func (s *Script) Name() string { return s.spec.Name }

func (s *Script) Prepare() error {
	s.source = s.node.String("source", "")
	if s.source == "" {
		if file := s.node.String("file", ""); file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			s.source = string(data)
		}
	}
	if s.source == "" {
		return fmt.Errorf("script %s has no source", s.spec.Name)
	}

	s.rt = script.NewJSRuntime(&script.JSRuntimeConfig{Name: s.spec.Name})
	vm := s.rt.VM()

	tags := make(map[string]any, len(s.spec.Tags))
	for _, t := range s.spec.Tags {
		tags[t.Key] = t.Value
	}
	obj := vm.NewObject()
	_ = obj.Set("name", s.spec.Name)
	_ = obj.Set("tags", tags)
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		v, err := s.node.Get(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("write", func(call goja.FunctionCall) goja.Value {
		rec, err := script.Record(call.Argument(1))
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		s.write(call.Argument(0).String(), rec)
		return goja.Undefined()
	})
	_ = obj.Set("progress", func(call goja.FunctionCall) goja.Value {
		f := call.Argument(0).ToFloat()
		s.progress.Store(math.Float64bits(math.Max(0, math.Min(1, f))))
		return goja.Undefined()
	})
	return s.rt.Set("ctx", obj)
}

func (s *Script) write(table string, rec map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = types.NewTable(table)
		s.tables[table] = t
		s.order = append(s.order, table)
	}
	t.AddRecord(rec)
}

func (s *Script) Run(ctx context.Context) error {
	if _, err := s.rt.Execute(ctx, s.source); err != nil {
		return err
	}
	s.progress.Store(math.Float64bits(1))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil && len(s.order) > 0 {
		return fmt.Errorf("script %s wrote rows but has no result sink", s.spec.Name)
	}
	for _, name := range s.order {
		if err := s.sink.WriteTable(s.tables[name]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (s *Script) Cleanup(ctx context.Context) error {
	s.rt = nil
	s.tables = nil
	return nil
}

func (s *Script) Progress() float64 {
	return math.Float64frombits(s.progress.Load())
}
