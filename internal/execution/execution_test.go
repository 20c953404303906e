package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sim-engine/internal/config"
	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/internal/master"
	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/scheduler"
	"yqhp/sim-engine/internal/sink"
	"yqhp/sim-engine/internal/slave"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

const (
	kindRow   model.Kind = "row"
	kindBlock model.Kind = "block"
)

// blocked counts "block" items currently waiting for cancellation.
var blocked atomic.Int32

// rowWork writes one row to the "Rows" table, or fails when its node has
// a "fail" property.
type rowWork struct {
	spec job.Spec
	node *model.Node
	sink job.TableWriter
	done atomic.Bool
}

func (w *rowWork) Name() string                      { return w.spec.Name }
func (w *rowWork) Prepare() error                    { return nil }
func (w *rowWork) Cleanup(ctx context.Context) error { return nil }

func (w *rowWork) Run(ctx context.Context) error {
	if msg := w.node.String("fail", ""); msg != "" {
		return errors.New(msg)
	}
	t := types.NewTable("Rows", sink.NameColumn, "Value")
	if err := t.AddRow(w.spec.Name, w.node.Int("value", 0)); err != nil {
		return err
	}
	w.done.Store(true)
	return w.sink.WriteTable(t)
}

func (w *rowWork) Progress() float64 {
	if w.done.Load() {
		return 1
	}
	return 0
}

type blockWork struct{ name string }

func (w *blockWork) Name() string                      { return w.name }
func (w *blockWork) Prepare() error                    { return nil }
func (w *blockWork) Cleanup(ctx context.Context) error { return nil }
func (w *blockWork) Progress() float64                 { return 0 }

func (w *blockWork) Run(ctx context.Context) error {
	blocked.Add(1)
	defer blocked.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func init() {
	job.Register(kindRow, func(node *model.Node, spec job.Spec, svc job.Services) (job.Work, error) {
		return &rowWork{spec: spec, node: node, sink: svc.Sink}, nil
	})
	job.Register(kindBlock, func(node *model.Node, spec job.Spec, svc job.Services) (job.Work, error) {
		return &blockWork{name: spec.Name}, nil
	})
}

func rows(n int, fail ...int) []*job.Descriptor {
	failing := make(map[int]bool)
	for _, i := range fail {
		failing[i] = true
	}
	out := make([]*job.Descriptor, n)
	for i := range out {
		props := map[string]any{"value": i + 1}
		if failing[i+1] {
			props["fail"] = "diverged"
		}
		out[i] = job.NewTool(model.New(kindRow, fmt.Sprintf("item%d", i+1)).WithProps(props))
	}
	return out
}

func newEnv(t *testing.T, workers int, items ...*job.Descriptor) *Env {
	t.Helper()
	sched := scheduler.New(context.Background(), scheduler.Options{})
	sched.Enqueue(items...)
	sched.Seal()
	sk := sink.New(sink.NewMemoryStore(), logger.Nop{})
	t.Cleanup(func() { _ = sk.Close() })

	d := config.DefaultConfig().Distributed
	d.Address = "127.0.0.1:0"
	d.ShutdownTimeout = time.Second
	return &Env{Scheduler: sched, Sink: sk, Workers: workers, Distributed: d, Log: logger.Nop{}}
}

func localWorkers(env *Env) SpawnerFactory {
	return func(addr string) master.Spawner {
		cfg := slave.FromConfig(env.Distributed)
		cfg.Log = logger.Nop{}
		return &slave.LocalSpawner{Config: *cfg, Addr: addr}
	}
}

func table(t *testing.T, env *Env, name string) *types.Table {
	t.Helper()
	env.Sink.Writer.WaitForIdle()
	require.NoError(t, env.Sink.Reader.Refresh())
	tb, ok := env.Sink.Reader.Table(name)
	if !ok {
		return types.NewTable(name)
	}
	return tb
}

func names(tb *types.Table) []string {
	var out []string
	for _, v := range tb.Column(sink.NameColumn) {
		out = append(out, fmt.Sprint(v))
	}
	sort.Strings(out)
	return out
}

func TestRunRejectsIncompleteEnv(t *testing.T) {
	s := NewSyncStrategy()
	assert.ErrorIs(t, s.Run(context.Background(), nil), ErrNilEnv)
	assert.ErrorIs(t, s.Run(context.Background(), &Env{}), ErrNoScheduler)
	assert.ErrorIs(t, s.Run(context.Background(), &Env{Scheduler: scheduler.New(context.Background(), scheduler.Options{})}), ErrNoSink)
}

func TestConcurrentSingleWriter(t *testing.T) {
	env := newEnv(t, 4, rows(100)...)
	s := NewConcurrentStrategy()

	require.NoError(t, s.Run(context.Background(), env))

	assert.True(t, env.Scheduler.AllDone())
	assert.Empty(t, env.Scheduler.Errors())
	tb := table(t, env, "Rows")
	require.Equal(t, 100, tb.Len())
	seen := make(map[string]bool)
	for _, row := range tb.Rows {
		require.Len(t, row, 2)
		name := fmt.Sprint(row[0])
		assert.False(t, seen[name], "duplicate row for %s", name)
		seen[name] = true
		assert.Equal(t, name, fmt.Sprintf("item%v", row[1]))
	}
	st := s.GetState()
	assert.Equal(t, 4, st.Workers)
	assert.False(t, st.Running)
	assert.Zero(t, s.Busy())
}

func TestPartialFailureIsolation(t *testing.T) {
	for _, s := range []Strategy{NewSyncStrategy(), NewConcurrentStrategy()} {
		t.Run(string(s.Name()), func(t *testing.T) {
			env := newEnv(t, 3, rows(10, 3, 7)...)
			require.NoError(t, s.Run(context.Background(), env))

			completed, total := env.Scheduler.Counts()
			assert.Equal(t, 10, completed)
			assert.Equal(t, 10, total)
			errs := env.Scheduler.Errors()
			require.Len(t, errs, 2)
			var failed []string
			for _, err := range errs {
				var ee *types.ExecutionError
				require.ErrorAs(t, err, &ee)
				failed = append(failed, ee.Item)
			}
			sort.Strings(failed)
			assert.Equal(t, []string{"item3", "item7"}, failed)
			assert.Equal(t, 8, table(t, env, "Rows").Len())
		})
	}
}

func TestSyncAndDistributedAgree(t *testing.T) {
	syncEnv := newEnv(t, 1, rows(20)...)
	require.NoError(t, NewSyncStrategy().Run(context.Background(), syncEnv))

	distEnv := newEnv(t, 2, rows(20)...)
	distEnv.Spawner = localWorkers(distEnv)
	d := NewDistributedStrategy()
	require.NoError(t, d.Run(context.Background(), distEnv))

	assert.Empty(t, syncEnv.Scheduler.Errors())
	assert.Empty(t, distEnv.Scheduler.Errors())
	want, got := table(t, syncEnv, "Rows"), table(t, distEnv, "Rows")
	assert.Equal(t, want.Len(), got.Len())
	assert.Equal(t, names(want), names(got))

	st := d.GetState()
	require.Len(t, st.Processes, 2)
	for _, p := range st.Processes {
		assert.Equal(t, types.WorkerTerminated, p.State)
	}
}

func TestDistributedFailuresAreItemScoped(t *testing.T) {
	env := newEnv(t, 2, rows(10, 3, 7)...)
	env.Spawner = localWorkers(env)
	require.NoError(t, NewDistributedStrategy().Run(context.Background(), env))

	errs := env.Scheduler.Errors()
	require.Len(t, errs, 2)
	for _, err := range errs {
		var ee *types.ExecutionError
		assert.ErrorAs(t, err, &ee)
	}
	assert.Equal(t, 8, table(t, env, "Rows").Len())
}

func blockers(n int) []*job.Descriptor {
	out := make([]*job.Descriptor, n)
	for i := range out {
		out[i] = job.NewTool(model.New(kindBlock, fmt.Sprintf("block%d", i+1)))
	}
	return out
}

func waitBlocked(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return blocked.Load() >= n }, 5*time.Second, 5*time.Millisecond)
}

func TestConcurrentCancel(t *testing.T) {
	env := newEnv(t, 2, blockers(6)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConcurrentStrategy().Run(ctx, env) }()

	waitBlocked(t, 2)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("strategy did not stop")
	}

	assert.True(t, env.Scheduler.AllDone())
	completed, _ := env.Scheduler.Counts()
	assert.Equal(t, 2, completed, "pending items are dropped")
	errs := env.Scheduler.Errors()
	assert.True(t, containsErr(errs, scheduler.ErrCancelled))
	assert.True(t, containsErr(errs, context.Canceled))
}

func TestDistributedCancel(t *testing.T) {
	env := newEnv(t, 2, blockers(4)...)
	env.Spawner = localWorkers(env)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDistributedStrategy().Run(ctx, env) }()

	waitBlocked(t, 2)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("strategy did not stop")
	}

	assert.True(t, env.Scheduler.AllDone())
	assert.True(t, containsErr(env.Scheduler.Errors(), scheduler.ErrCancelled))
	require.Eventually(t, func() bool { return blocked.Load() == 0 }, 5*time.Second, 5*time.Millisecond)
}

// crashSpawner starts processes that exit at once with an error.
type crashSpawner struct{}

func (crashSpawner) Spawn(ctx context.Context, id string) (master.Process, error) {
	return crashProcess{}, nil
}

type crashProcess struct{}

func (crashProcess) PID() int       { return 42 }
func (crashProcess) Wait() error    { return errors.New("exit status 3") }
func (crashProcess) Kill() error    { return nil }
func (crashProcess) Stderr() string { return "panic: out of memory" }

func TestDistributedWorkersLost(t *testing.T) {
	env := newEnv(t, 2, rows(5)...)
	env.Spawner = func(string) master.Spawner { return crashSpawner{} }

	require.NoError(t, NewDistributedStrategy().Run(context.Background(), env))

	assert.True(t, env.Scheduler.AllDone())
	errs := env.Scheduler.Errors()
	assert.True(t, containsErr(errs, ErrWorkersLost))
	var crashes int
	for _, err := range errs {
		var ie *types.InfrastructureError
		if errors.As(err, &ie) && ie.Stderr != "" {
			crashes++
			assert.Contains(t, ie.Stderr, "out of memory")
		}
	}
	assert.Equal(t, 2, crashes)
}

func TestStrategyIsNotReentrant(t *testing.T) {
	env := newEnv(t, 1, blockers(1)...)
	s := NewSyncStrategy()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, env) }()

	waitBlocked(t, 1)
	assert.ErrorIs(t, s.Run(ctx, env), ErrStrategyAlreadyRunning)
	assert.True(t, s.GetState().Running)
	cancel()
	require.NoError(t, <-done)
}

func containsErr(errs []error, target error) bool {
	for _, err := range errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
