package runner

import (
	"time"

	"yqhp/sim-engine/internal/execution"
	"yqhp/sim-engine/internal/master"
	"yqhp/sim-engine/internal/scheduler"
)

// Session is a live run, observable while it executes.
type Session struct {
	RunID     string
	Started   time.Time
	Scheduler *scheduler.Scheduler
	Strategy  execution.Strategy
}

// Status is a snapshot of a session.
type Status struct {
	RunID     string              `json:"run_id"`
	Strategy  execution.Name      `json:"strategy"`
	Done      bool                `json:"done"`
	Progress  float64             `json:"progress"`
	Completed int                 `json:"completed"`
	Total     int                 `json:"total"`
	Pending   int                 `json:"pending"`
	Running   []string            `json:"running"`
	Errors    int                 `json:"errors"`
	Elapsed   time.Duration       `json:"elapsed"`
	Workers   []master.WorkerInfo `json:"workers,omitempty"`
}

// Status returns the current snapshot.
func (s *Session) Status() Status {
	completed, total := s.Scheduler.Counts()
	st := Status{
		RunID:     s.RunID,
		Strategy:  s.Strategy.Name(),
		Done:      s.Scheduler.AllDone(),
		Progress:  s.Scheduler.Progress(),
		Completed: completed,
		Total:     total,
		Pending:   s.Scheduler.Pending(),
		Running:   s.Scheduler.Running(),
		Errors:    len(s.Scheduler.Errors()),
		Elapsed:   time.Since(s.Started),
	}
	if es := s.Strategy.GetState(); es != nil {
		st.Workers = es.Processes
	}
	return st
}

// ErrorMessages returns the recorded errors as strings.
func (s *Session) ErrorMessages() []string {
	errs := s.Scheduler.Errors()
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
