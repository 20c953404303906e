// Package scheduler owns the pending queue and running set of one
// orchestration run.
package scheduler

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

// ErrCancelled is recorded when a run is cancelled before its queue drains.
var ErrCancelled = errors.New("run cancelled")

// PostRunner runs once after all work is done.
type PostRunner interface {
	Run(ctx context.Context) []error
}

// PostFunc adapts a function to PostRunner.
type PostFunc func(ctx context.Context) []error

func (f PostFunc) Run(ctx context.Context) []error { return f(ctx) }

// Options configures a Scheduler.
type Options struct {
	Post PostRunner
}

type running struct {
	item    *job.Descriptor
	started time.Time
}

// Scheduler hands out work on demand and aggregates completions.
// Item failures are recorded, never returned.
type Scheduler struct {
	ctx  context.Context
	post PostRunner

	mu        sync.Mutex
	pending   deque.Deque[*job.Descriptor]
	running   map[string]*running
	total     int
	completed int
	sealed    bool
	stopping  bool
	finishing bool
	finished  bool
	errs      []error
	events    []types.CompletionEvent
	wake      chan struct{}
	highWater float64

	finishOnce sync.Once
	done       chan struct{}
}

// New creates a scheduler. ctx is passed to the post pipeline with its
// cancellation removed.
func New(ctx context.Context, opts Options) *Scheduler {
	return &Scheduler{
		ctx:     context.WithoutCancel(ctx),
		post:    opts.Post,
		running: make(map[string]*running),
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue appends items to the pending queue. The total grows with every
// enqueued item.
func (s *Scheduler) Enqueue(items ...*job.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || s.stopping {
		logger.Warn("scheduler: enqueue after seal ignored (%d items)", len(items))
		return
	}
	for _, it := range items {
		s.pending.PushBack(it)
	}
	s.total += len(items)
}

// Seal marks the end of input. The run finishes once everything enqueued
// has completed.
func (s *Scheduler) Seal() {
	s.mu.Lock()
	s.sealed = true
	finish := s.shouldFinishLocked()
	s.mu.Unlock()
	if finish {
		s.finish()
	}
}

// Next pops the next pending item and marks it running.
func (s *Scheduler) Next() (*job.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.pending.Len() == 0 {
		return nil, false
	}
	it := s.pending.PopFront()
	s.running[it.Name] = &running{item: it, started: time.Now()}
	return it, true
}

// Complete marks a running item done. Unknown or repeated names are
// ignored.
func (s *Scheduler) Complete(name string, err error) {
	s.mu.Lock()
	r, ok := s.running[name]
	if !ok {
		s.mu.Unlock()
		logger.Warn("scheduler: completion for unknown item %s ignored", name)
		return
	}
	delete(s.running, name)
	s.completed++
	if err != nil {
		s.errs = append(s.errs, err)
	}
	s.recordLocked(types.CompletionEvent{
		Name:     name,
		Err:      err,
		Duration: time.Since(r.started),
	})
	finish := s.shouldFinishLocked()
	s.mu.Unlock()

	r.item.Release()
	if err != nil {
		logger.Debug("scheduler: %s failed: %v", name, err)
	}
	if finish {
		s.finish()
	}
}

// RecordError adds a run-level error that is not tied to one item.
func (s *Scheduler) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Cancel drops all pending work and records err. The run finishes when
// the running items complete.
func (s *Scheduler) Cancel(err error) {
	if err == nil {
		err = ErrCancelled
	}
	s.mu.Lock()
	if s.stopping || s.finishing {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.sealed = true
	dropped := s.pending.Len()
	s.pending.Clear()
	s.total -= dropped
	s.errs = append(s.errs, err)
	finish := s.shouldFinishLocked()
	s.mu.Unlock()

	logger.Info("scheduler: cancelled, %d pending items dropped", dropped)
	if finish {
		s.finish()
	}
}

// ForceStop finishes the run immediately. Running items are abandoned and
// err is recorded.
func (s *Scheduler) ForceStop(err error) {
	s.mu.Lock()
	if s.finishing {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.sealed = true
	s.pending.Clear()
	abandoned := len(s.running)
	s.running = make(map[string]*running)
	s.total = s.completed
	if err != nil {
		s.errs = append(s.errs, err)
	}
	s.mu.Unlock()

	logger.Warn("scheduler: forced stop with %d items in flight", abandoned)
	s.finish()
}

func (s *Scheduler) shouldFinishLocked() bool {
	return s.sealed && !s.finishing && s.pending.Len() == 0 && len(s.running) == 0
}

// finish runs the post pipeline once and then signals completion.
func (s *Scheduler) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.finishing = true
		s.stopping = true
		s.mu.Unlock()

		if s.post != nil {
			errs := s.post.Run(s.ctx)
			s.mu.Lock()
			s.errs = append(s.errs, errs...)
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.highWater = 1
		s.finished = true
		s.broadcastLocked()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Scheduler) recordLocked(ev types.CompletionEvent) {
	ev.Completed = s.completed
	ev.Total = s.total
	ev.At = time.Now()
	s.events = append(s.events, ev)
	s.broadcastLocked()
}

func (s *Scheduler) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Progress returns (Σ running progress + completed) / total in [0,1]. It
// never decreases. Item progress is read without holding the queue lock.
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	if s.total == 0 {
		hw := s.highWater
		s.mu.Unlock()
		return hw
	}
	total := s.total
	sum := float64(s.completed)
	items := make([]*job.Descriptor, 0, len(s.running))
	for _, r := range s.running {
		items = append(items, r.item)
	}
	s.mu.Unlock()

	for _, it := range items {
		sum += clamp(it.Progress())
	}
	p := clamp(sum / float64(total))

	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.highWater {
		s.highWater = p
	}
	return s.highWater
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// AllDone reports whether the run, including its post pipeline, finished.
func (s *Scheduler) AllDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed once AllDone becomes true.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Wait blocks until the run finishes or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns the completed and total item counts.
func (s *Scheduler) Counts() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.total
}

// Errors returns a copy of the accumulated errors.
func (s *Scheduler) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

// Running returns the names of in-flight items, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name := range s.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Pending returns the number of items not yet dispatched.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Completions returns a channel that replays every completion event from
// the start of the run and is closed once the run finishes. Each call gets
// its own channel; the caller must drain it.
func (s *Scheduler) Completions() <-chan types.CompletionEvent {
	out := make(chan types.CompletionEvent)
	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			batch := append([]types.CompletionEvent(nil), s.events[next:]...)
			wake := s.wake
			finished := s.finished
			s.mu.Unlock()

			for _, ev := range batch {
				out <- ev
			}
			next += len(batch)
			if len(batch) > 0 {
				continue
			}
			if finished {
				return
			}
			<-wake
		}
	}()
	return out
}
