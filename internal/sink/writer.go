package sink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/deque"

	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

// ErrStopped is returned by writes submitted after Stop.
var ErrStopped = errors.New("sink writer stopped")

type opKind int

const (
	opAppend opKind = iota
	opStage
	opCommit
	opDiscard
	opClean
)

func (k opKind) String() string {
	return [...]string{"append", "stage", "commit", "discard", "clean"}[k]
}

type op struct {
	kind  opKind
	table *types.Table
	tx    string
	names []string
	wipe  bool
	done  chan error
}

// Writer serializes every mutation of a Store through one goroutine.
// Concurrent callers queue; they never interleave rows.
type Writer struct {
	store Store
	log   logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   deque.Deque[op]
	busy    bool
	stopped bool
	exited  bool
	errs    []error
	written map[string]int
}

// NewWriter starts the writer goroutine for store.
func NewWriter(store Store, log logger.Logger) *Writer {
	if log == nil {
		log = logger.Default("sink")
	}
	w := &Writer{store: store, log: log, written: make(map[string]int)}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// WriteTable queues t for appending. The table is copied.
func (w *Writer) WriteTable(t *types.Table) error {
	if t == nil {
		return nil
	}
	return w.submit(op{kind: opAppend, table: t.Clone()})
}

// Stage queues t under the transfer tx. Nothing is visible until Commit.
func (w *Writer) Stage(tx string, t *types.Table) error {
	if t == nil {
		return nil
	}
	return w.submit(op{kind: opStage, tx: tx, table: t.Clone()})
}

// Commit publishes everything staged under tx and returns once the store
// has applied it. If staging or publishing failed, nothing under tx is
// published and the failure is returned.
func (w *Writer) Commit(tx string) error {
	done := make(chan error, 1)
	if err := w.submit(op{kind: opCommit, tx: tx, done: done}); err != nil {
		return err
	}
	return <-done
}

// Discard queues removal of everything staged under tx.
func (w *Writer) Discard(tx string) error {
	return w.submit(op{kind: opDiscard, tx: tx})
}

// Clean removes earlier results and returns once the store is cleaned.
// Writes queued before it are applied first.
func (w *Writer) Clean(names []string, wipeAll bool) error {
	done := make(chan error, 1)
	if err := w.submit(op{kind: opClean, names: append([]string(nil), names...), wipe: wipeAll, done: done}); err != nil {
		return err
	}
	return <-done
}

func (w *Writer) submit(o op) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	w.queue.PushBack(o)
	w.cond.Broadcast()
	return nil
}

// WaitForIdle blocks until the queue is empty and no write is in flight.
func (w *Writer) WaitForIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for (w.queue.Len() > 0 || w.busy) && !w.exited {
		w.cond.Wait()
	}
}

// Stop rejects new writes, drains the queue and waits for the goroutine
// to exit. It is safe to call more than once.
func (w *Writer) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	for !w.exited {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// Errors returns the failures of asynchronous writes.
func (w *Writer) Errors() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]error, len(w.errs))
	copy(out, w.errs)
	return out
}

// RowsWritten returns the number of rows published per table by this
// writer.
func (w *Writer) RowsWritten() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.written))
	for k, v := range w.written {
		out[k] = v
	}
	return out
}

func (w *Writer) loop() {
	staged := make(map[string]map[string]int)
	// stageErrs holds the first staging failure per transfer until it is
	// committed or discarded.
	stageErrs := make(map[string]error)
	for {
		w.mu.Lock()
		for w.queue.Len() == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.queue.Len() == 0 {
			w.exited = true
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		o := w.queue.PopFront()
		w.busy = true
		w.mu.Unlock()

		var err error
		if cause := stageErrs[o.tx]; o.kind == opCommit && cause != nil {
			err = fmt.Errorf("commit %s: %w", o.tx, cause)
		} else {
			err = w.apply(o)
		}
		switch o.kind {
		case opStage:
			if err != nil && stageErrs[o.tx] == nil {
				stageErrs[o.tx] = err
			}
		case opCommit:
			if err != nil {
				if derr := w.store.Discard(o.tx); derr != nil {
					w.log.Error("discard %s after failed commit: %v", o.tx, derr)
				}
			}
			delete(stageErrs, o.tx)
		case opDiscard:
			delete(stageErrs, o.tx)
		case opClean:
			if o.wipe {
				clear(stageErrs)
			}
		}

		w.mu.Lock()
		w.busy = false
		switch {
		case err == nil:
			w.count(o, staged)
		case o.kind == opCommit:
			delete(staged, o.tx)
		case o.done == nil && o.kind != opStage:
			// staging failures surface through Commit
			w.errs = append(w.errs, err)
		}
		w.cond.Broadcast()
		w.mu.Unlock()

		if err != nil {
			w.log.Error("%s failed: %v", o.kind, err)
		}
		if o.done != nil {
			o.done <- err
		}
	}
}

func (w *Writer) apply(o op) error {
	var err error
	switch o.kind {
	case opAppend:
		err = w.store.Append(o.table)
	case opStage:
		err = w.store.Stage(o.tx, o.table)
	case opCommit:
		err = w.store.Commit(o.tx)
	case opDiscard:
		err = w.store.Discard(o.tx)
	case opClean:
		err = w.store.Clean(o.names, o.wipe)
	}
	if err != nil && o.table != nil {
		return fmt.Errorf("%s %s: %w", o.kind, o.table.Name, err)
	}
	return err
}

// count keeps RowsWritten current. Called with w.mu held.
func (w *Writer) count(o op, staged map[string]map[string]int) {
	switch o.kind {
	case opAppend:
		w.written[o.table.Name] += o.table.Len()
	case opStage:
		if staged[o.tx] == nil {
			staged[o.tx] = make(map[string]int)
		}
		staged[o.tx][o.table.Name] += o.table.Len()
	case opCommit:
		for name, n := range staged[o.tx] {
			w.written[name] += n
		}
		delete(staged, o.tx)
	case opDiscard:
		delete(staged, o.tx)
	case opClean:
		if o.wipe {
			clear(staged)
		}
	}
}
