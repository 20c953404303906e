package execution

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"yqhp/sim-engine/internal/job"
)

// ConcurrentStrategy runs items on a fixed pool of goroutines sharing the
// process's sink writer.
type ConcurrentStrategy struct {
	*BaseStrategy
	busy atomic.Int32
}

// NewConcurrentStrategy creates a concurrent strategy.
func NewConcurrentStrategy() *ConcurrentStrategy {
	return &ConcurrentStrategy{BaseStrategy: NewBaseStrategy(Concurrent)}
}

// Busy returns the number of workers currently executing an item.
func (s *ConcurrentStrategy) Busy() int { return int(s.busy.Load()) }

// Run starts env.Workers goroutines, each pulling items until the queue is
// empty or ctx is cancelled. Cancellation is checked between items and
// passed to running items.
func (s *ConcurrentStrategy) Run(ctx context.Context, env *Env) error {
	if err := env.validate(); err != nil {
		return err
	}
	n := env.Workers
	if n <= 0 {
		n = DefaultWorkers()
	}
	if err := s.begin(n); err != nil {
		return err
	}
	defer s.end()

	svc := job.Services{Sink: env.Sink.Writer}
	sched := env.Scheduler
	env.Log.Debug("starting %d workers", n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					sched.Cancel(cancelled(ctx))
					return nil
				}
				item, ok := sched.Next()
				if !ok {
					return nil
				}
				s.busy.Add(1)
				err := item.Execute(ctx, svc)
				s.busy.Add(-1)
				sched.Complete(item.Name, err)
			}
		})
	}
	_ = g.Wait()
	<-sched.Done()
	return nil
}
