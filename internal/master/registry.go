package master

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

const maxStderr = 64 << 10

// WorkerInfo is a snapshot of one worker.
type WorkerInfo struct {
	ID       string            `json:"id"`
	PID      int               `json:"pid"`
	State    types.WorkerState `json:"state"`
	Item     string            `json:"item,omitempty"`
	Started  time.Time         `json:"started"`
	ExitCode int               `json:"exit_code"`
}

// WorkerEvent reports a worker state change.
type WorkerEvent struct {
	Worker string
	State  types.WorkerState
	Err    error
}

type worker struct {
	info   WorkerInfo
	proc   Process
	killed bool
}

// WorkerPool owns the worker processes it spawned. It never touches
// processes it did not start.
type WorkerPool struct {
	spawner Spawner
	log     logger.Logger

	mu        sync.RWMutex
	workers   map[string]*worker
	live      int
	errs      []error
	allExited chan struct{}
	wg        sync.WaitGroup

	subMu       sync.RWMutex
	subscribers []chan WorkerEvent
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool(sp Spawner, log logger.Logger) *WorkerPool {
	if log == nil {
		log = logger.Default("workers")
	}
	done := make(chan struct{})
	close(done)
	return &WorkerPool{
		spawner:   sp,
		log:       log,
		workers:   make(map[string]*worker),
		allExited: done,
	}
}

// Start spawns n workers with ids w1..wn. Workers left from a previous
// Start are killed first.
func (p *WorkerPool) Start(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("worker pool: need at least one worker, got %d", n)
	}
	p.KillAll()
	p.Wait()

	p.mu.Lock()
	p.workers = make(map[string]*worker)
	p.errs = nil
	p.live = 1 // held until every worker is spawned
	p.allExited = make(chan struct{})
	p.mu.Unlock()

	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("w%d", i)
		proc, err := p.spawner.Spawn(ctx, id)
		if err != nil {
			p.KillAll()
			p.release()
			return fmt.Errorf("worker pool: spawn %s: %w", id, err)
		}

		w := &worker{proc: proc, info: WorkerInfo{ID: id, PID: proc.PID(), State: types.WorkerStarting, Started: time.Now()}}
		p.mu.Lock()
		p.workers[id] = w
		p.live++
		p.mu.Unlock()
		p.notify(WorkerEvent{Worker: id, State: types.WorkerStarting})

		p.wg.Add(1)
		go p.supervise(w)
	}
	p.release()
	p.log.Info("started %d workers", n)
	return nil
}

func (p *WorkerPool) release() {
	p.mu.Lock()
	p.live--
	if p.live == 0 {
		p.closeExitedLocked()
	}
	p.mu.Unlock()
}

func (p *WorkerPool) supervise(w *worker) {
	defer p.wg.Done()
	err := w.proc.Wait()

	p.mu.Lock()
	w.info.State = types.WorkerTerminated
	w.info.Item = ""
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		w.info.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		w.info.ExitCode = -1
	}
	var crash error
	if err != nil && !w.killed {
		crash = &types.InfrastructureError{
			Worker: w.info.ID,
			Stderr: w.proc.Stderr(),
			Err:    fmt.Errorf("worker exited: %w", err),
		}
		p.errs = append(p.errs, crash)
	}
	p.live--
	if p.live == 0 {
		p.closeExitedLocked()
	}
	p.mu.Unlock()

	if crash != nil {
		p.log.Error("%v", crash)
	} else {
		p.log.Debug("worker %s exited", w.info.ID)
	}
	p.notify(WorkerEvent{Worker: w.info.ID, State: types.WorkerTerminated, Err: crash})
}

func (p *WorkerPool) closeExitedLocked() {
	select {
	case <-p.allExited:
	default:
		close(p.allExited)
	}
}

// SetState records a state reported through the protocol. Unknown and
// terminated workers are ignored.
func (p *WorkerPool) SetState(id string, state types.WorkerState, item string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.info.State == types.WorkerTerminated || (w.info.State == state && w.info.Item == item) {
		p.mu.Unlock()
		return
	}
	w.info.State = state
	w.info.Item = item
	p.mu.Unlock()
	p.notify(WorkerEvent{Worker: id, State: state})
}

// Workers returns a snapshot of every worker, ordered by id.
func (p *WorkerPool) Workers() []WorkerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].ID) != len(out[j].ID) {
			return len(out[i].ID) < len(out[j].ID)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live returns the number of workers that have not exited.
func (p *WorkerPool) Live() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live
}

// AllExited is closed once every worker of the current Start has exited.
func (p *WorkerPool) AllExited() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allExited
}

// KillAll kills every live worker. Killed workers are not reported as
// crashes.
func (p *WorkerPool) KillAll() {
	p.mu.Lock()
	var procs []Process
	for _, w := range p.workers {
		if w.info.State != types.WorkerTerminated && !w.killed {
			w.killed = true
			procs = append(procs, w.proc)
		}
	}
	p.mu.Unlock()

	for _, proc := range procs {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Warn("kill pid %d: %v", proc.PID(), err)
		}
	}
}

// Wait blocks until every supervised worker has exited.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown waits up to timeout for workers to exit, then kills the rest.
func (p *WorkerPool) Shutdown(timeout time.Duration) {
	select {
	case <-p.AllExited():
	case <-time.After(timeout):
		p.log.Warn("%d workers still running after %s, killing", p.Live(), timeout)
		p.KillAll()
	}
	p.Wait()
}

// Errors returns the crashes recorded so far.
func (p *WorkerPool) Errors() []error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]error, len(p.errs))
	copy(out, p.errs)
	return out
}

// Watch returns a channel of worker events until ctx ends.
func (p *WorkerPool) Watch(ctx context.Context) <-chan WorkerEvent {
	ch := make(chan WorkerEvent, 64)
	p.subMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subMu.Unlock()

	go func() {
		<-ctx.Done()
		p.subMu.Lock()
		defer p.subMu.Unlock()
		for i, sub := range p.subscribers {
			if sub == ch {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify drops events for subscribers that are not keeping up.
func (p *WorkerPool) notify(ev WorkerEvent) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ExecSpawner starts workers as child processes of Binary:
// Binary Args... --master Addr --id <id>.
type ExecSpawner struct {
	Binary string
	Args   []string
	Addr   string
	Env    []string
}

// Spawn starts one worker process.
func (s *ExecSpawner) Spawn(ctx context.Context, id string) (Process, error) {
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		bin = exe
	}
	args := append(append([]string(nil), s.Args...), "--master", s.Addr, "--id", id)
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	stderr := &boundedBuffer{limit: maxStderr}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *boundedBuffer
}

func (p *execProcess) PID() int       { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error    { return p.cmd.Wait() }
func (p *execProcess) Kill() error    { return p.cmd.Process.Kill() }
func (p *execProcess) Stderr() string { return p.stderr.String() }

// boundedBuffer keeps the last limit bytes written to it.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(data)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(data), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
