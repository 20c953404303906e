package execution

import (
	"context"
	"errors"
	"fmt"

	"yqhp/sim-engine/internal/scheduler"
)

var (
	// ErrNilEnv is returned when a strategy is run without an environment.
	ErrNilEnv = errors.New("execution environment is nil")

	// ErrNoScheduler is returned when the environment has no scheduler.
	ErrNoScheduler = errors.New("execution environment has no scheduler")

	// ErrNoSink is returned when the environment has no result sink.
	ErrNoSink = errors.New("execution environment has no result sink")

	// ErrStrategyAlreadyRunning is returned when Run is called twice at once.
	ErrStrategyAlreadyRunning = errors.New("execution strategy is already running")

	// ErrWorkersLost is recorded when every worker exited with items left.
	ErrWorkersLost = errors.New("all workers exited before the queue drained")
)

// cancelled is the error recorded when ctx stops a run.
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return scheduler.ErrCancelled
	}
	return fmt.Errorf("%w: %v", scheduler.ErrCancelled, cause)
}
