// Package job defines schedulable work: the Work contract, the
// descriptors discovery produces, and the built-in work kinds.
package job

import (
	"context"
	"fmt"
	"runtime/debug"

	"yqhp/sim-engine/pkg/types"
)

// Work is the contract every schedulable unit satisfies.
type Work interface {
	Name() string
	Prepare() error
	Run(ctx context.Context) error
	Cleanup(ctx context.Context) error
	// Progress reports completion in [0,1]. It may be called from any
	// goroutine while Run is active.
	Progress() float64
}

// TableWriter receives result tables.
type TableWriter interface {
	WriteTable(t *types.Table) error
}

// Services are the external collaborators attached at materialization.
// They never cross a process boundary.
type Services struct {
	Sink TableWriter
}

// Spec identifies a materialized item.
type Spec struct {
	Name string
	Tags []types.Tag
}

// RunWork runs Prepare, Run and Cleanup. Cleanup always runs once Prepare
// has succeeded. A panic is converted to an error.
func RunWork(ctx context.Context, w Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	if err := w.Prepare(); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	runErr := w.Run(ctx)
	cleanErr := w.Cleanup(ctx)
	if runErr != nil {
		return runErr
	}
	if cleanErr != nil {
		return fmt.Errorf("cleanup: %w", cleanErr)
	}
	return nil
}
