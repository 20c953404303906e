// Package post runs the analysis steps and validation checks once every
// work item of a run has completed.
package post

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"yqhp/sim-engine/internal/sink"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

// Step is one analysis or check.
type Step interface {
	Name() string
	Run(ctx context.Context, env *Env) error
}

// Env is what a step may use: the refreshed reader and the writer.
type Env struct {
	Reader *sink.Reader
	Writer *sink.Writer
}

// Pipeline runs its steps single-threaded in registration order.
type Pipeline struct {
	env      *Env
	log      logger.Logger
	analyses []Step
	checks   []Step
	runs     atomic.Int32
}

// NewPipeline creates an empty pipeline over the given sink.
func NewPipeline(w *sink.Writer, r *sink.Reader, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Default("post")
	}
	return &Pipeline{env: &Env{Reader: r, Writer: w}, log: log}
}

// AddAnalysis registers a secondary analysis step.
func (p *Pipeline) AddAnalysis(s Step) { p.analyses = append(p.analyses, s) }

// AddCheck registers a validation check.
func (p *Pipeline) AddCheck(s Step) { p.checks = append(p.checks, s) }

// Steps returns the number of analyses and checks.
func (p *Pipeline) Steps() (analyses, checks int) { return len(p.analyses), len(p.checks) }

// Runs returns how many times Run was called.
func (p *Pipeline) Runs() int { return int(p.runs.Load()) }

// Run drains the sink, runs the analyses then the checks, and drains and
// refreshes again. A failing step does not stop later steps.
func (p *Pipeline) Run(ctx context.Context) []error {
	p.runs.Add(1)
	var errs []error

	p.barrier(&errs)
	for _, s := range p.analyses {
		p.runStep(ctx, s, &errs)
	}
	if len(p.analyses) > 0 {
		p.barrier(&errs)
	}
	for _, s := range p.checks {
		p.runStep(ctx, s, &errs)
	}
	p.barrier(&errs)

	for _, err := range p.env.Writer.Errors() {
		errs = append(errs, &types.InfrastructureError{Err: fmt.Errorf("result sink: %w", err)})
	}
	return errs
}

func (p *Pipeline) barrier(errs *[]error) {
	p.env.Writer.WaitForIdle()
	if err := p.env.Reader.Refresh(); err != nil {
		*errs = append(*errs, &types.PostPipelineError{Step: "refresh", Err: err})
	}
}

func (p *Pipeline) runStep(ctx context.Context, s Step, errs *[]error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return s.Run(ctx, p.env)
	}()
	if err != nil {
		p.log.Warn("%s failed: %v", s.Name(), err)
		*errs = append(*errs, &types.PostPipelineError{Step: s.Name(), Err: err})
		return
	}
	p.log.Debug("%s ok", s.Name())
}
