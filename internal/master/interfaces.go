package master

import (
	"context"

	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/pkg/types"
)

// Scheduler is the part of the run scheduler the server drives.
type Scheduler interface {
	Next() (*job.Descriptor, bool)
	Complete(name string, err error)
}

// ResultWriter receives transferred tables. Rows staged under a
// correlation id become visible on Commit and are dropped on Discard.
type ResultWriter interface {
	Stage(tx string, t *types.Table) error
	Commit(tx string) error
	Discard(tx string) error
}

// Process is a running worker.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
	// Stderr returns what the process wrote to stderr so far.
	Stderr() string
}

// Spawner starts worker processes connecting back to the coordinator.
type Spawner interface {
	Spawn(ctx context.Context, id string) (Process, error)
}
