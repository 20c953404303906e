// Package runner is the single entry point for an orchestration run:
// discovery, sink cleaning, scheduling, the chosen strategy and the post
// pipeline all converge here.
//
// Pipeline: Discover → Clean → Scheduler → Strategy → PostPipeline → Result
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"yqhp/sim-engine/internal/catalog"
	"yqhp/sim-engine/internal/config"
	"yqhp/sim-engine/internal/execution"
	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/post"
	"yqhp/sim-engine/internal/scheduler"
	"yqhp/sim-engine/internal/sink"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

// RunOptions configures one run.
type RunOptions struct {
	// Root is the model tree to run (required).
	Root *model.Node

	// Sink receives the result tables (required).
	Sink *sink.Sink

	// Filter selects items; nil runs everything.
	Filter catalog.Filter

	// Strategy defaults to concurrent; Workers to the strategy's default.
	Strategy execution.Name
	Workers  int

	// Wipe drops every table before the run instead of only the rows of
	// the items about to run.
	Wipe bool

	// Config supplies the discovery wait and distributed settings.
	Config *config.Config

	// Spawner overrides how distributed workers are started.
	Spawner execution.SpawnerFactory

	// OnStart is called once the session exists, before any item runs.
	OnStart func(s *Session)

	// OnProgress is called every PollInterval while the run is active.
	OnProgress func(st Status)

	// PollInterval defaults to 200ms.
	PollInterval time.Duration

	Log logger.Logger
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID    string
	Strategy execution.Name
	Items    []string
	Duration time.Duration
	Summary  types.RunSummary
	// Errors holds every item, infrastructure and post-pipeline error.
	Errors []error
}

// Failed reports whether any error was recorded.
func (r *RunResult) Failed() bool { return len(r.Errors) > 0 }

// Discover returns the descriptors a run of opts would execute.
func Discover(ctx context.Context, opts RunOptions) ([]string, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	items, err := catalog.New(catalog.Options{InitWait: cfg.Run.InitWait}).Discover(ctx, opts.Root, opts.Filter)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	return names, nil
}

// Run discovers, executes and post-processes one run. Discovery errors
// abort before anything executes and are returned. Item failures do not
// make Run fail; they are listed in RunResult.Errors.
func Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.Root == nil {
		return nil, fmt.Errorf("model tree is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("result sink is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Log
	if log == nil {
		log = logger.Default("runner")
	}
	name := opts.Strategy
	if name == "" {
		name = execution.Name(cfg.Run.Strategy)
	}
	strategy, err := execution.GetStrategyOrDefault(name)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	runID := uuid.NewString()

	items, err := catalog.New(catalog.Options{InitWait: cfg.Run.InitWait}).Discover(ctx, opts.Root, opts.Filter)
	if err != nil {
		return nil, err
	}
	result := &RunResult{RunID: runID, Strategy: strategy.Name(), Items: make([]string, len(items))}
	for i, it := range items {
		result.Items[i] = it.Name
	}
	log.Info("run %s: %d items, strategy %s", runID, len(items), strategy.Name())

	if err := opts.Sink.Writer.Clean(result.Items, opts.Wipe); err != nil {
		return nil, fmt.Errorf("clean sink: %w", err)
	}

	pipeline := post.NewPipeline(opts.Sink.Writer, opts.Sink.Reader, log)
	post.FromTree(pipeline, opts.Root)
	sched := scheduler.New(ctx, scheduler.Options{Post: pipeline})

	summary := post.NewSummary(runID)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		summary.Consume(sched.Completions())
	}()

	session := &Session{RunID: runID, Started: startTime, Scheduler: sched, Strategy: strategy}
	if opts.OnStart != nil {
		opts.OnStart(session)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = cfg.Run.Workers
	}
	env := &execution.Env{
		Scheduler:   sched,
		Sink:        opts.Sink,
		Workers:     workers,
		Distributed: cfg.Distributed,
		Spawner:     opts.Spawner,
		Log:         log,
	}

	sched.Enqueue(items...)
	sched.Seal()

	stopPoll := pollProgress(session, opts.OnProgress, opts.PollInterval)
	runErr := strategy.Run(ctx, env)
	if runErr != nil && !sched.AllDone() {
		sched.ForceStop(&types.InfrastructureError{Err: runErr})
	}
	<-sched.Done()
	stopPoll()
	<-consumed

	result.Duration = time.Since(startTime)
	result.Errors = sched.Errors()
	_, total := sched.Counts()
	result.Summary = summary.Build(total, opts.Sink.Reader.RowCounts())
	if opts.OnProgress != nil {
		opts.OnProgress(session.Status())
	}
	log.Info("run %s: %d/%d items done, %d failed, %d errors in %s",
		runID, result.Summary.Completed, result.Summary.Total, result.Summary.Failed, len(result.Errors), result.Duration.Round(time.Millisecond))
	return result, runErr
}

// pollProgress calls fn every interval until the returned stop is called.
func pollProgress(s *Session, fn func(Status), interval time.Duration) (stop func()) {
	if fn == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn(s.Status())
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// ExitCode is 1 when the run recorded any error, 0 otherwise.
func ExitCode(r *RunResult) int {
	if r == nil || r.Failed() {
		return 1
	}
	return 0
}
