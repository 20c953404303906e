// Package script provides the JavaScript runtime used by script tools,
// analysis steps and validation checks.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"yqhp/sim-engine/pkg/logger"
)

// ErrInterrupted is returned when the context ends while a script runs.
var ErrInterrupted = errors.New("script interrupted")

// JSRuntime wraps a goja VM. It is not safe for concurrent use.
type JSRuntime struct {
	vm          *goja.Runtime
	name        string
	consoleLogs []string
	logMu       sync.Mutex
}

// Result is the outcome of one Execute call.
type Result struct {
	Value       any      `json:"value"`
	ConsoleLogs []string `json:"console_logs"`
}

// JSRuntimeConfig configures a runtime.
type JSRuntimeConfig struct {
	Name    string         // used in log lines
	Globals map[string]any // values and Go functions exposed as globals
}

// NewJSRuntime creates a runtime with console and the configured globals.
func NewJSRuntime(config *JSRuntimeConfig) *JSRuntime {
	if config == nil {
		config = &JSRuntimeConfig{}
	}
	rt := &JSRuntime{
		vm:   goja.New(),
		name: config.Name,
	}
	rt.setupConsole()
	for k, v := range config.Globals {
		_ = rt.vm.Set(k, v)
	}
	return rt
}

// VM exposes the underlying runtime for building values.
func (r *JSRuntime) VM() *goja.Runtime { return r.vm }

// Set defines a global.
func (r *JSRuntime) Set(name string, value any) error {
	return r.vm.Set(name, value)
}

// Execute runs src. Cancelling ctx interrupts the VM.
func (r *JSRuntime) Execute(ctx context.Context, src string) (*Result, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ErrInterrupted)
		case <-done:
		}
	}()

	val, err := r.vm.RunString(src)
	close(done)
	r.vm.ClearInterrupt()

	result := &Result{ConsoleLogs: r.ConsoleLogs()}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return result, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		}
		return result, err
	}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		result.Value = val.Export()
	}
	return result, nil
}

// Eval evaluates an expression and reports its truthiness.
func (r *JSRuntime) Eval(ctx context.Context, expr string) (bool, error) {
	res, err := r.Execute(ctx, "("+expr+")")
	if err != nil {
		return false, err
	}
	return r.vm.ToValue(res.Value).ToBoolean(), nil
}

// ConsoleLogs returns the console output captured so far.
func (r *JSRuntime) ConsoleLogs() []string {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	out := make([]string, len(r.consoleLogs))
	copy(out, r.consoleLogs)
	return out
}

func (r *JSRuntime) setupConsole() {
	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			r.appendLog(strings.ToUpper(level), call.Arguments)
			return goja.Undefined()
		})
	}
	_ = r.vm.Set("console", console)
}

func (r *JSRuntime) appendLog(level string, args []goja.Value) {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = formatValue(arg)
	}
	line := fmt.Sprintf("[%s] %s", level, strings.Join(parts, " "))

	r.logMu.Lock()
	r.consoleLogs = append(r.consoleLogs, line)
	r.logMu.Unlock()

	logger.Debug("[script %s] %s", r.name, line)
}

func formatValue(val goja.Value) string {
	if val == nil || goja.IsUndefined(val) {
		return "undefined"
	}
	if goja.IsNull(val) {
		return "null"
	}

	switch v := val.Export().(type) {
	case string:
		return v
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Record converts an exported JS object into a row record.
func Record(v goja.Value) (map[string]any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("row must be an object")
	}
	m, ok := v.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("row must be an object, got %s", v.ExportType())
	}
	return m, nil
}
