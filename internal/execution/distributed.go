package execution

import (
	"context"
	"fmt"

	"yqhp/sim-engine/internal/master"
	"yqhp/sim-engine/pkg/types"
)

// DistributedStrategy serves items to worker processes over the wire
// protocol. Only this process writes to the sink; workers forward their
// tables.
type DistributedStrategy struct {
	*BaseStrategy
	pool *master.WorkerPool
}

// NewDistributedStrategy creates a distributed strategy.
func NewDistributedStrategy() *DistributedStrategy {
	return &DistributedStrategy{BaseStrategy: NewBaseStrategy(Distributed)}
}

// Pool returns the worker pool of the current or last run.
func (s *DistributedStrategy) Pool() *master.WorkerPool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.pool
}

// GetState adds the worker processes to the base state.
func (s *DistributedStrategy) GetState() *State {
	st := s.BaseStrategy.GetState()
	if p := s.Pool(); p != nil {
		st.Processes = p.Workers()
	}
	return st
}

// Run listens, spawns the workers and waits until the scheduler is done.
// When every worker has exited with items left, the run is stopped with
// an infrastructure error. Cancelling ctx kills the workers; items they
// held are failed.
func (s *DistributedStrategy) Run(ctx context.Context, env *Env) error {
	if err := env.validate(); err != nil {
		return err
	}
	n := env.Workers
	if n <= 0 {
		n = DefaultProcesses()
	}
	if err := s.begin(n); err != nil {
		return err
	}
	defer s.end()

	cfg := env.Distributed
	bound := &boundSpawner{factory: env.Spawner}
	if bound.factory == nil {
		bound.factory = func(addr string) master.Spawner {
			return &master.ExecSpawner{Binary: cfg.WorkerBinary, Args: []string{"worker"}, Addr: addr}
		}
	}

	// Workers left over from a previous run are killed first.
	if old := s.Pool(); old != nil {
		old.KillAll()
		old.Wait()
	}
	pool := master.NewWorkerPool(bound, env.Log)
	s.stateMu.Lock()
	s.pool = pool
	s.stateMu.Unlock()

	sched := env.Scheduler
	server := master.NewServer(sched, env.Sink.Writer, master.ServerOptions{
		Log:          env.Log,
		MaxFrameSize: cfg.MaxFrameSize,
		Pool:         pool,
	})
	if err := server.Listen(cfg.Address); err != nil {
		sched.ForceStop(&types.InfrastructureError{Err: err})
		return err
	}
	bound.addr = server.Addr()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(context.WithoutCancel(ctx)) }()

	if err := pool.Start(ctx, n); err != nil {
		_ = server.Close()
		sched.ForceStop(&types.InfrastructureError{Err: err})
		return err
	}

	select {
	case <-sched.Done():
	case <-pool.AllExited():
		// Close waits for the connection handlers, which fail the items
		// their worker held.
		_ = server.Close()
		if !sched.AllDone() {
			completed, total := sched.Counts()
			sched.ForceStop(&types.InfrastructureError{
				Err: fmt.Errorf("%w: %d of %d items done", ErrWorkersLost, completed, total),
			})
		}
	case <-ctx.Done():
		sched.Cancel(cancelled(ctx))
		pool.KillAll()
		_ = server.Close()
	}
	<-sched.Done()

	pool.Shutdown(cfg.ShutdownTimeout)
	_ = server.Close()
	<-serveErr
	for _, err := range pool.Errors() {
		sched.RecordError(err)
	}
	return nil
}

// boundSpawner defers building the spawner until the listen address is
// known.
type boundSpawner struct {
	factory SpawnerFactory
	addr    string
}

func (b *boundSpawner) Spawn(ctx context.Context, id string) (master.Process, error) {
	return b.factory(b.addr).Spawn(ctx, id)
}
