package job

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/override"
	"yqhp/sim-engine/pkg/types"
)

// Variant tells simulations from opaque tools.
type Variant int

const (
	VariantSimulation Variant = iota
	VariantTool
)

func (v Variant) String() string {
	if v == VariantTool {
		return "tool"
	}
	return "simulation"
}

// ErrReleased is returned when a descriptor is materialized after release.
var ErrReleased = errors.New("descriptor already released")

// Descriptor describes one deferred unit of work. Creating one is cheap;
// the base model is cloned only when it is materialized.
type Descriptor struct {
	Name      string
	Tags      []types.Tag
	Overrides []override.Override
	Variant   Variant
	// Origin is the generator (experiment) that produced this item.
	Origin string

	base *model.Node

	mu       sync.Mutex
	built    bool
	released bool
	work     Work
	err      error

	// live mirrors work so progress reads never wait on a materialization.
	live atomic.Pointer[workRef]
	// remote holds progress reported by a worker process, as float bits.
	remote atomic.Uint64
}

type workRef struct{ w Work }

// NewSimulation describes a simulation built from base with overrides.
func NewSimulation(name string, base *model.Node, tags []types.Tag, overrides []override.Override) *Descriptor {
	return &Descriptor{
		Name:      name,
		Tags:      tags,
		Overrides: overrides,
		Variant:   VariantSimulation,
		base:      base,
	}
}

// NewTool describes an auxiliary runnable node.
func NewTool(node *model.Node) *Descriptor {
	return &Descriptor{Name: node.Name, Variant: VariantTool, base: node}
}

// Base returns the node in the shared tree this descriptor is built from.
func (d *Descriptor) Base() *model.Node { return d.base }

// Ancestor returns the nearest meaningfully named ancestor, for messages.
func (d *Descriptor) Ancestor() string {
	if d.Origin != "" {
		return d.Origin
	}
	if d.base == nil {
		return ""
	}
	for _, a := range d.base.Ancestors() {
		if a.Parent() != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// Tag returns the value of the named tag.
func (d *Descriptor) Tag(key string) (string, bool) {
	for _, t := range d.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Build clones the base model and applies ambient then explicit
// overrides. The shared tree is only read.
func (d *Descriptor) Build() (*model.Node, error) {
	if d.base == nil {
		return nil, d.materializationError(fmt.Errorf("no base model"))
	}

	node := d.base.Clone()
	node.Name = d.Name
	model.Attach(node)
	if d.Variant == VariantTool {
		return node, nil
	}

	overrides := append(override.Ambient(d.base), d.Overrides...)
	if err := override.Apply(node, overrides); err != nil {
		return nil, d.materializationError(err)
	}
	return node, nil
}

// Materialize builds the executable work once and memoizes it.
func (d *Descriptor) Materialize(svc Services) (Work, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil, d.materializationError(ErrReleased)
	}
	if d.built {
		return d.work, d.err
	}
	d.built = true

	node, err := d.Build()
	if err != nil {
		d.err = err
		return nil, err
	}
	w, err := FromNode(node, Spec{Name: d.Name, Tags: d.Tags}, svc)
	if err != nil {
		d.err = d.materializationError(err)
		return nil, d.err
	}
	d.work = w
	d.live.Store(&workRef{w: w})
	return w, nil
}

// Execute materializes and runs the item. Errors come back classified as
// MaterializationError or ExecutionError.
func (d *Descriptor) Execute(ctx context.Context, svc Services) error {
	w, err := d.Materialize(svc)
	if err != nil {
		return err
	}
	if err := RunWork(ctx, w); err != nil {
		return &types.ExecutionError{Item: d.Name, Ancestor: d.Ancestor(), Err: err}
	}
	return nil
}

// Progress returns the materialized work's progress. An item running in
// another process reports the last progress received with its results.
func (d *Descriptor) Progress() float64 {
	if r := d.live.Load(); r != nil {
		return r.w.Progress()
	}
	return math.Float64frombits(d.remote.Load())
}

// ReportProgress records progress for an item that runs in another
// process. Values are clamped to [0,1] and never decrease.
func (d *Descriptor) ReportProgress(f float64) {
	if math.IsNaN(f) {
		return
	}
	f = math.Max(0, math.Min(1, f))
	for {
		old := d.remote.Load()
		if f <= math.Float64frombits(old) {
			return
		}
		if d.remote.CompareAndSwap(old, math.Float64bits(f)) {
			return
		}
	}
}

// Release drops the materialized work. A released descriptor cannot run
// again.
func (d *Descriptor) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.work = nil
	d.live.Store(nil)
	d.released = true
}

func (d *Descriptor) materializationError(err error) error {
	var me *types.MaterializationError
	if errors.As(err, &me) {
		return err
	}
	return &types.MaterializationError{Item: d.Name, Ancestor: d.Ancestor(), Err: err}
}
