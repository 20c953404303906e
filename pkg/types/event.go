package types

import "time"

// CompletionEvent is emitted once per item when it reaches a terminal
// state.
type CompletionEvent struct {
	Name      string
	Err       error
	Duration  time.Duration
	Completed int
	Total     int
	At        time.Time
}

// Failed reports whether the item ended with an error.
func (e CompletionEvent) Failed() bool { return e.Err != nil }

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

const (
	// WorkerStarting means the process was spawned but has not asked for work.
	WorkerStarting WorkerState = "starting"
	// WorkerReady means the worker is connected and idle.
	WorkerReady WorkerState = "ready"
	// WorkerBusy means the worker holds an item.
	WorkerBusy WorkerState = "busy"
	// WorkerTerminated means the process has exited.
	WorkerTerminated WorkerState = "terminated"
)

// RunSummary is the aggregate report produced after a run.
type RunSummary struct {
	RunID     string         `json:"run_id"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Elapsed   time.Duration  `json:"elapsed"`
	MeanItem  time.Duration  `json:"mean_item"`
	P50Item   time.Duration  `json:"p50_item"`
	P95Item   time.Duration  `json:"p95_item"`
	MaxItem   time.Duration  `json:"max_item"`
	Rows      map[string]int `json:"rows"`
}
