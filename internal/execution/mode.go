package execution

import (
	"context"
	"runtime"
	"sync"
	"time"

	"yqhp/sim-engine/internal/config"
	"yqhp/sim-engine/internal/master"
	"yqhp/sim-engine/internal/scheduler"
	"yqhp/sim-engine/internal/sink"
	"yqhp/sim-engine/pkg/logger"
)

// Name identifies a strategy.
type Name string

const (
	Sync        Name = "sync"
	Concurrent  Name = "concurrent"
	Distributed Name = "distributed"
)

// Strategy drains a sealed scheduler.
type Strategy interface {
	// Name returns the strategy's name.
	Name() Name

	// Run dispatches work until the scheduler is done. Cancelling ctx
	// stops new work; in-flight items observe the cancellation and the
	// run still finishes with a recorded cancellation error. Item
	// failures are left in the scheduler, never returned.
	Run(ctx context.Context, env *Env) error

	// GetState returns the current execution state.
	GetState() *State
}

// SpawnerFactory builds a worker spawner once the coordinator address is
// known.
type SpawnerFactory func(addr string) master.Spawner

// Env is what a strategy runs against.
type Env struct {
	Scheduler *scheduler.Scheduler
	Sink      *sink.Sink

	// Workers is the pool size; 0 picks a default from the CPU count.
	Workers int

	// Distributed settings and the worker spawner. A nil Spawner starts
	// this executable's worker command.
	Distributed config.DistributedConfig
	Spawner     SpawnerFactory

	Log logger.Logger
}

func (e *Env) validate() error {
	switch {
	case e == nil:
		return ErrNilEnv
	case e.Scheduler == nil:
		return ErrNoScheduler
	case e.Sink == nil:
		return ErrNoSink
	}
	if e.Log == nil {
		e.Log = logger.Default("execution")
	}
	return nil
}

// State is a snapshot of a strategy.
type State struct {
	Strategy    Name                `json:"strategy"`
	Workers     int                 `json:"workers"`
	Running     bool                `json:"running"`
	StartTime   time.Time           `json:"start_time"`
	ElapsedTime time.Duration       `json:"elapsed"`
	Processes   []master.WorkerInfo `json:"processes,omitempty"`
}

// BaseStrategy provides the state bookkeeping shared by strategies.
type BaseStrategy struct {
	name    Name
	state   State
	stateMu sync.RWMutex
}

// NewBaseStrategy creates a BaseStrategy.
func NewBaseStrategy(name Name) *BaseStrategy {
	return &BaseStrategy{name: name, state: State{Strategy: name}}
}

// Name returns the strategy name.
func (b *BaseStrategy) Name() Name {
	return b.name
}

// GetState returns the current state.
func (b *BaseStrategy) GetState() *State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	state := b.state
	if state.Running {
		state.ElapsedTime = time.Since(state.StartTime)
	}
	state.Processes = append([]master.WorkerInfo(nil), b.state.Processes...)
	return &state
}

// SetState updates the state.
func (b *BaseStrategy) SetState(fn func(*State)) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	fn(&b.state)
}

// begin marks the strategy running, failing if it already is.
func (b *BaseStrategy) begin(workers int) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state.Running {
		return ErrStrategyAlreadyRunning
	}
	b.state.Running = true
	b.state.Workers = workers
	b.state.StartTime = time.Now()
	b.state.ElapsedTime = 0
	return nil
}

func (b *BaseStrategy) end() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.state.Running = false
	b.state.ElapsedTime = time.Since(b.state.StartTime)
}

// DefaultWorkers is the in-process pool size: the available parallelism.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// DefaultProcesses is the worker process count: one less than the
// available parallelism, at least one.
func DefaultProcesses() int {
	return max(1, runtime.NumCPU()-1)
}
