package types

import (
	"fmt"
	"strings"
)

// DiscoveryError is raised while walking the model tree. It is fatal for
// the whole run.
type DiscoveryError struct {
	Name string
	Err  error
}

func (e *DiscoveryError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("discovery: %v", e.Err)
	}
	return fmt.Sprintf("discovery of %s: %v", e.Name, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// MaterializationError is raised when a descriptor cannot be turned into
// a runnable item. It aborts only that item.
type MaterializationError struct {
	Item     string
	Ancestor string
	Err      error
}

func (e *MaterializationError) Error() string {
	return "materializing " + itemLabel(e.Item, e.Ancestor) + ": " + e.Err.Error()
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// ExecutionError is raised by an item's prepare, run or cleanup phase.
type ExecutionError struct {
	Item     string
	Ancestor string
	Err      error
}

func (e *ExecutionError) Error() string {
	return "running " + itemLabel(e.Item, e.Ancestor) + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// InfrastructureError reports a worker crash, a lost connection or a sink
// failure.
type InfrastructureError struct {
	Worker string
	Item   string
	Stderr string
	Err    error
}

func (e *InfrastructureError) Error() string {
	var b strings.Builder
	b.WriteString("infrastructure")
	if e.Worker != "" {
		b.WriteString(" [worker " + e.Worker + "]")
	}
	if e.Item != "" {
		b.WriteString(" [item " + e.Item + "]")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(s)
	}
	return b.String()
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// PostPipelineError is raised by an analysis step or a validation check.
type PostPipelineError struct {
	Step string
	Err  error
}

func (e *PostPipelineError) Error() string {
	return fmt.Sprintf("post step %s: %v", e.Step, e.Err)
}

func (e *PostPipelineError) Unwrap() error { return e.Err }

func itemLabel(item, ancestor string) string {
	if ancestor == "" || ancestor == item {
		return item
	}
	return item + " (in " + ancestor + ")"
}
