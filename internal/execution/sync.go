package execution

import (
	"context"

	"yqhp/sim-engine/internal/job"
)

// SyncStrategy runs items one at a time on the calling goroutine.
type SyncStrategy struct {
	*BaseStrategy
}

// NewSyncStrategy creates a sync strategy.
func NewSyncStrategy() *SyncStrategy {
	return &SyncStrategy{BaseStrategy: NewBaseStrategy(Sync)}
}

// Run executes items in pending order until the queue is empty. A
// cancelled ctx stops it before the next item.
func (s *SyncStrategy) Run(ctx context.Context, env *Env) error {
	if err := env.validate(); err != nil {
		return err
	}
	if err := s.begin(1); err != nil {
		return err
	}
	defer s.end()

	svc := job.Services{Sink: env.Sink.Writer}
	for {
		if ctx.Err() != nil {
			env.Scheduler.Cancel(cancelled(ctx))
			break
		}
		item, ok := env.Scheduler.Next()
		if !ok {
			break
		}
		env.Scheduler.Complete(item.Name, item.Execute(ctx, svc))
	}
	<-env.Scheduler.Done()
	return nil
}
