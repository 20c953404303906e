package post

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"yqhp/sim-engine/pkg/types"
)

// Summary accumulates completion events into a RunSummary. Durations are
// recorded in microseconds, from 1µs up to 24h.
type Summary struct {
	mu        sync.Mutex
	runID     string
	started   time.Time
	hist      *hdrhistogram.Histogram
	completed int
	failed    int
	total     int
}

// NewSummary starts a summary for one run.
func NewSummary(runID string) *Summary {
	return &Summary{
		runID:   runID,
		started: time.Now(),
		hist:    hdrhistogram.New(1, int64(24*time.Hour/time.Microsecond), 3),
	}
}

// Record adds one completion event.
func (s *Summary) Record(ev types.CompletionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	if ev.Failed() {
		s.failed++
	}
	if ev.Total > s.total {
		s.total = ev.Total
	}
	us := ev.Duration.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > s.hist.HighestTrackableValue() {
		us = s.hist.HighestTrackableValue()
	}
	_ = s.hist.RecordValue(us)
}

// Consume records events until ch is closed.
func (s *Summary) Consume(ch <-chan types.CompletionEvent) {
	for ev := range ch {
		s.Record(ev)
	}
}

// Build returns the summary. total overrides the largest total seen in
// events when positive; rows are the per-table row counts.
func (s *Summary) Build(total int, rows map[string]int) types.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total <= 0 {
		total = s.total
	}
	out := types.RunSummary{
		RunID:     s.runID,
		Total:     total,
		Completed: s.completed,
		Failed:    s.failed,
		Elapsed:   time.Since(s.started),
		Rows:      rows,
	}
	if s.hist.TotalCount() > 0 {
		out.MeanItem = time.Duration(s.hist.Mean() * float64(time.Microsecond))
		out.P50Item = time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond
		out.P95Item = time.Duration(s.hist.ValueAtQuantile(95)) * time.Microsecond
		out.MaxItem = time.Duration(s.hist.Max()) * time.Microsecond
	}
	return out
}
