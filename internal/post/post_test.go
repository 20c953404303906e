package post

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/sink"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

func newSink(t *testing.T) *sink.Sink {
	s := sink.New(sink.NewMemoryStore(), logger.Nop{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func report(names ...string) *types.Table {
	tb := types.NewTable("Report", sink.NameColumn, "Yield")
	for i, n := range names {
		_ = tb.AddRow(n, float64(i+1))
	}
	return tb
}

type stepFunc struct {
	name string
	fn   func(ctx context.Context, env *Env) error
}

func (s stepFunc) Name() string                            { return s.name }
func (s stepFunc) Run(ctx context.Context, env *Env) error { return s.fn(ctx, env) }

func TestPipelineOrderAndIsolation(t *testing.T) {
	s := newSink(t)
	p := NewPipeline(s.Writer, s.Reader, logger.Nop{})

	var order []string
	step := func(name string, err error) Step {
		return stepFunc{name: name, fn: func(context.Context, *Env) error {
			order = append(order, name)
			return err
		}}
	}
	p.AddCheck(step("c1", errors.New("bad")))
	p.AddAnalysis(step("a1", nil))
	p.AddAnalysis(stepFunc{name: "a2", fn: func(context.Context, *Env) error {
		order = append(order, "a2")
		panic("boom")
	}})
	p.AddCheck(step("c2", nil))

	errs := p.Run(context.Background())
	assert.Equal(t, []string{"a1", "a2", "c1", "c2"}, order)
	require.Len(t, errs, 2)
	var pe *types.PostPipelineError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, "a2", pe.Step)
	require.ErrorAs(t, errs[1], &pe)
	assert.Equal(t, "c1", pe.Step)
	assert.Equal(t, 1, p.Runs())
}

func TestPipelineDrainsBeforeSteps(t *testing.T) {
	s := newSink(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Writer.WriteTable(report(fmt.Sprintf("sim%d", i))))
	}

	p := NewPipeline(s.Writer, s.Reader, nil)
	p.AddAnalysis(NewAnalysis("mean", `
		var sum = 0;
		tables.Report.forEach(function (r) { sum += r.Yield; });
		write("Stats", {Rows: tables.Report.length, Mean: sum / tables.Report.length});
	`))
	p.AddCheck(NewCheck("rows", `rows("Report").length === 20`, ""))
	p.AddCheck(NewCheck("stats", `rows("Stats").length === 1 && rows("Stats")[0].Rows === 20`, ""))
	p.AddCheck(NewCheck("absent", `rows("Missing").length > 0`, "no Missing rows"))

	errs := p.Run(context.Background())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCheckFailed)
	assert.Contains(t, errs[0].Error(), "no Missing rows")

	stats, ok := s.Reader.Table("Stats")
	require.True(t, ok, "final refresh exposes analysis output")
	assert.Equal(t, 1, stats.Len())
}

func TestAnalysisErrors(t *testing.T) {
	s := newSink(t)
	p := NewPipeline(s.Writer, s.Reader, logger.Nop{})
	p.AddAnalysis(NewAnalysis("empty", ""))
	p.AddAnalysis(NewAnalysis("throws", `throw new Error("nope")`))
	p.AddAnalysis(NewAnalysis("badrow", `write("T", 5)`))
	p.AddCheck(NewCheck("blank", " ", ""))

	errs := p.Run(context.Background())
	require.Len(t, errs, 4)
	assert.Contains(t, errs[1].Error(), "nope")
}

func TestCheckObservesCancellation(t *testing.T) {
	s := newSink(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewCheck("spin", `(function () { while (true) {} })()`, "").Run(ctx, &Env{Reader: s.Reader, Writer: s.Writer})
	require.Error(t, err)
}

func TestStepName(t *testing.T) {
	root := model.New(model.KindSimulations, "Simulations")
	sim := model.New(model.KindSimulation, "Wheat")
	folder := model.New(model.KindFolder, "Tests")
	generic := model.New(model.KindCheck, "Check")
	unnamed := model.New(model.KindCheck, "")
	named := model.New(model.KindCheck, "YieldAbove3")
	folder.Add(generic, unnamed, named)
	sim.Add(folder)
	root.Add(sim)

	assert.Equal(t, "Wheat.Check", StepName(generic))
	assert.Equal(t, "Wheat", StepName(unnamed))
	assert.Equal(t, "YieldAbove3", StepName(named))

	orphan := model.New(model.KindCheck, "")
	assert.Equal(t, "check", StepName(orphan))
}

func TestFromTree(t *testing.T) {
	root := model.New(model.KindSimulations, "Simulations")
	a := model.New(model.KindAnalysis, "Means").WithProps(map[string]any{"source": `write("X", {a: 1})`})
	c := model.New(model.KindCheck, "HasX").WithProps(map[string]any{"expect": `rows("X").length == 1`})
	off := model.New(model.KindCheck, "Off")
	off.Disabled = true
	root.Add(a, c, off)

	s := newSink(t)
	p := NewPipeline(s.Writer, s.Reader, logger.Nop{})
	FromTree(p, root)
	an, ch := p.Steps()
	assert.Equal(t, 1, an)
	assert.Equal(t, 1, ch)
	assert.Empty(t, p.Run(context.Background()))
}

func TestSummary(t *testing.T) {
	s := NewSummary("run-1")
	ch := make(chan types.CompletionEvent, 4)
	for i, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 0} {
		ev := types.CompletionEvent{Name: fmt.Sprint(i), Duration: d, Total: 4}
		if i == 1 {
			ev.Err = errors.New("x")
		}
		ch <- ev
	}
	close(ch)
	s.Consume(ch)

	sum := s.Build(0, map[string]int{"Report": 3})
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 4, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.InDelta(t, float64(30*time.Millisecond), float64(sum.MaxItem), float64(100*time.Microsecond))
	assert.InDelta(t, float64(10*time.Millisecond), float64(sum.P50Item), float64(100*time.Microsecond))
	assert.Equal(t, 3, sum.Rows["Report"])

	empty := NewSummary("run-2").Build(7, nil)
	assert.Equal(t, 7, empty.Total)
	assert.Zero(t, empty.P95Item)
}
