package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/override"
	"yqhp/sim-engine/pkg/types"
)

type memSink struct {
	mu     sync.Mutex
	tables []*types.Table
}

func (m *memSink) WriteTable(t *types.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = append(m.tables, t.Clone())
	return nil
}

func (m *memSink) rows(name string) [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]any
	for _, t := range m.tables {
		if t.Name == name {
			out = append(out, t.Rows...)
		}
	}
	return out
}

func simTree() *model.Node {
	return model.Attach(model.New(model.KindSimulations, "Simulations").Add(
		model.New(model.KindReplacements, "Replacements").Add(
			model.New(model.KindComponent, "Soil").WithProps(map[string]any{"water": 0.4}),
		),
		model.New(model.KindFolder, "Trials").Add(
			model.New(model.KindSimulation, "Base").WithProps(map[string]any{
				"steps":       3,
				"flush_every": 2,
				"rates":       map[string]any{"Crop.biomass": 1.5},
			}).Add(
				model.New(model.KindComponent, "Soil").WithProps(map[string]any{"water": 0.2}),
				model.New(model.KindComponent, "Crop").WithProps(map[string]any{"biomass": 0.0}),
				model.New(model.KindReport, "Daily").WithProps(map[string]any{
					"variables": []any{"Soil.water as SW", "Crop.biomass"},
				}),
			),
		),
	))
}

func TestSimulationEmitsRowsPerStep(t *testing.T) {
	base := simTree().FindByName("Base")
	d := NewSimulation("Run1", base, []types.Tag{{Key: "N", Value: "40"}}, nil)
	sink := &memSink{}

	require.NoError(t, d.Execute(context.Background(), Services{Sink: sink}))

	rows := sink.rows("Daily")
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"Run1", "40", 1, 0.4, 0.0}, rows[0])
	assert.Equal(t, []any{"Run1", "40", 3, 0.4, 3.0}, rows[2])
	assert.Len(t, sink.tables, 2, "flushed at step 2 and at the end")
	assert.Equal(t, []string{"SimulationName", "N", "Step", "SW", "Crop.biomass"}, sink.tables[0].Columns)
	assert.Equal(t, 1.0, d.Progress())

	// the shared tree is untouched
	v, _ := base.Get("Crop.biomass")
	assert.Equal(t, 0.0, v)
	v, _ = base.Get("Soil.water")
	assert.Equal(t, 0.2, v)
}

func TestSimulationObservesCancellation(t *testing.T) {
	d := NewSimulation("Run1", simTree().FindByName("Base"), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Execute(ctx, Services{Sink: &memSink{}})
	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Trials", execErr.Ancestor)
}

func TestSimulationRejectsBadSteps(t *testing.T) {
	base := simTree().FindByName("Base")
	d := NewSimulation("Bad", base, nil, []override.Override{
		&override.PropertyReplacement{Path: "steps", Value: 0},
	})
	err := d.Execute(context.Background(), Services{Sink: &memSink{}})
	assert.ErrorContains(t, err, "steps must be at least 1")
}

func TestDescriptorMaterializeIsMemoized(t *testing.T) {
	d := NewSimulation("Run1", simTree().FindByName("Base"), nil, nil)
	svc := Services{Sink: &memSink{}}

	w1, err := d.Materialize(svc)
	require.NoError(t, err)
	w2, err := d.Materialize(svc)
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Equal(t, "Run1", w1.Name())

	d.Release()
	_, err = d.Materialize(svc)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestDescriptorMaterializationError(t *testing.T) {
	d := NewSimulation("Run1", simTree().FindByName("Base"), nil, []override.Override{
		&override.PropertyReplacement{Path: "Irrigation.amount", Value: 1},
	})
	_, err := d.Materialize(Services{Sink: &memSink{}})

	var me *types.MaterializationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "Run1", me.Item)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// memoized failure
	_, again := d.Materialize(Services{Sink: &memSink{}})
	assert.Equal(t, err, again)
}

func TestDescriptorBuildAppliesAmbientFirst(t *testing.T) {
	d := NewSimulation("Run1", simTree().FindByName("Base"), nil, []override.Override{
		&override.PropertyReplacement{Path: "Soil.water", Value: 0.9},
	})
	node, err := d.Build()
	require.NoError(t, err)
	v, _ := node.Get("Soil.water")
	assert.Equal(t, 0.9, v)
	assert.Equal(t, "Run1", node.Name)
}

func TestReportProgressWithoutLocalWork(t *testing.T) {
	d := NewSimulation("Remote", simTree().FindByName("Base"), nil, nil)
	assert.Zero(t, d.Progress())

	d.ReportProgress(0.4)
	assert.Equal(t, 0.4, d.Progress())
	d.ReportProgress(0.2)
	assert.Equal(t, 0.4, d.Progress(), "never decreases")
	d.ReportProgress(7)
	assert.Equal(t, 1.0, d.Progress())
}

func TestScriptTool(t *testing.T) {
	node := model.Attach(model.New(model.KindScript, "Summarise").WithProps(map[string]any{
		"scale": 2,
		"source": `
			for (var i = 1; i <= 3; i++) {
				ctx.write("Summary", {i: i, scaled: i * ctx.get("scale")});
				ctx.progress(i / 3);
			}`,
	}))
	d := NewTool(node)
	sink := &memSink{}

	require.NoError(t, d.Execute(context.Background(), Services{Sink: sink}))
	require.Len(t, sink.tables, 1)
	tbl := sink.tables[0]
	assert.Equal(t, []string{"i", "scaled"}, tbl.Columns)
	assert.Len(t, tbl.Rows, 3)
	assert.EqualValues(t, 6, tbl.Rows[2][1])
	assert.Equal(t, 1.0, d.Progress())
}

func TestScriptToolWithoutSource(t *testing.T) {
	d := NewTool(model.Attach(model.New(model.KindScript, "Empty")))
	err := d.Execute(context.Background(), Services{})
	assert.ErrorContains(t, err, "no source")
}

type panicky struct{}

func (p *panicky) Name() string                      { return "p" }
func (p *panicky) Prepare() error                    { return nil }
func (p *panicky) Run(ctx context.Context) error     { panic("kaboom") }
func (p *panicky) Cleanup(ctx context.Context) error { return nil }
func (p *panicky) Progress() float64                 { return 0 }

func TestRunWorkRecoversPanics(t *testing.T) {
	err := RunWork(context.Background(), &panicky{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Runnable(model.KindSimulation))
	assert.False(t, r.Runnable(model.KindFolder))

	r.Register("custom", func(node *model.Node, spec Spec, svc Services) (Work, error) {
		return nil, errors.New("nope")
	})
	assert.Equal(t, []model.Kind{"custom", model.KindScript, model.KindSimulation}, r.Kinds())

	_, err := r.New(model.New(model.KindFolder, "f"), Spec{}, Services{})
	assert.Error(t, err)
}
