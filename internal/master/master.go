package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"yqhp/sim-engine/api/wire"
	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("master: server closed")

// ServerOptions configures a Server.
type ServerOptions struct {
	Log          logger.Logger
	MaxFrameSize int
	// Pool, when set, is told about worker state changes.
	Pool *WorkerPool
}

type assignment struct {
	item   *job.Descriptor
	worker string
}

// Server answers GetJob, TransferData and EndJob requests. One goroutine
// serves each connection; the assignment map is shared.
type Server struct {
	sched  Scheduler
	writer ResultWriter
	pool   *WorkerPool
	log    logger.Logger
	limit  int

	ln     net.Listener
	closed atomic.Bool

	mu      sync.Mutex
	running map[string]*assignment
	conns   map[*wire.Conn]struct{}
	wg      sync.WaitGroup

	served    atomic.Int64
	transfers atomic.Int64
}

// NewServer creates a server dispatching from sched and writing to w.
func NewServer(sched Scheduler, w ResultWriter, opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = logger.Default("master")
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	return &Server{
		sched:   sched,
		writer:  w,
		pool:    opts.Pool,
		log:     opts.Log,
		limit:   opts.MaxFrameSize,
		running: make(map[string]*assignment),
		conns:   make(map[*wire.Conn]struct{}),
	}
}

// Listen binds addr. Use Addr to learn the chosen port for ":0".
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("master: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until Close is called or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("master: Serve before Listen")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			return fmt.Errorf("master: accept: %w", err)
		}
		conn := wire.NewConn(nc, s.limit)

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return ErrServerClosed
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

// Close stops accepting, closes every connection and waits for the
// handlers. Items still assigned are failed and their staged rows
// discarded.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		s.wg.Wait()
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Outstanding returns the number of items handed out and not yet ended.
func (s *Server) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stats returns the number of jobs served and tables transferred.
func (s *Server) Stats() (served, transfers int64) {
	return s.served.Load(), s.transfers.Load()
}

func (s *Server) handle(conn *wire.Conn) {
	defer s.wg.Done()
	owned := make(map[string]struct{})
	var sender string

	var lost error
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		for corr := range owned {
			s.abandon(corr, lost)
		}
	}()

	for {
		req, err := conn.Receive()
		if err != nil {
			if !wire.IsClosed(err) {
				s.log.Warn("worker %s: %v", sender, err)
			}
			lost = fmt.Errorf("connection lost: %w", err)
			return
		}
		if req.Sender != "" {
			sender = req.Sender
		}
		resp := s.dispatch(req, owned)
		if err := conn.Send(resp); err != nil {
			lost = fmt.Errorf("reply to %s: %w", req.Kind, err)
			return
		}
	}
}

func (s *Server) dispatch(req *wire.Envelope, owned map[string]struct{}) *wire.Envelope {
	var (
		resp *wire.Envelope
		err  error
	)
	switch req.Kind {
	case wire.KindGetJob:
		resp, err = s.getJob(req, owned)
	case wire.KindTransferData:
		resp, err = s.transferData(req, owned)
	case wire.KindEndJob:
		resp, err = s.endJob(req, owned)
	default:
		err = fmt.Errorf("unexpected request %s", req.Kind)
	}
	if err != nil {
		s.log.Warn("%s from %s: %v", req.Kind, req.Sender, err)
		resp, _ = wire.NewEnvelope(wire.KindError, req.CorrelationID, wire.ErrorPayload{Message: err.Error()})
	}
	return resp
}

func (s *Server) getJob(req *wire.Envelope, owned map[string]struct{}) (*wire.Envelope, error) {
	for {
		item, ok := s.sched.Next()
		if !ok {
			s.setState(req.Sender, types.WorkerReady, "")
			return wire.NewEnvelope(wire.KindNoJob, "", nil)
		}

		// Building here keeps services out of the payload; only the
		// overridden model snapshot is shipped.
		node, err := item.Build()
		if err != nil {
			s.sched.Complete(item.Name, err)
			continue
		}

		corr := uuid.NewString()
		env, err := wire.NewEnvelope(wire.KindJob, corr, wire.JobPayload{
			Name:  item.Name,
			Tags:  item.Tags,
			Model: node.Snapshot(),
		})
		if err != nil {
			s.sched.Complete(item.Name, &types.MaterializationError{Item: item.Name, Ancestor: item.Ancestor(), Err: err})
			continue
		}

		s.mu.Lock()
		s.running[corr] = &assignment{item: item, worker: req.Sender}
		s.mu.Unlock()
		owned[corr] = struct{}{}
		s.served.Add(1)
		s.setState(req.Sender, types.WorkerBusy, item.Name)
		s.log.Debug("%s -> %s (%s)", item.Name, req.Sender, corr)
		return env, nil
	}
}

func (s *Server) lookup(corr string, owned map[string]struct{}) (*assignment, error) {
	if _, ok := owned[corr]; !ok {
		return nil, fmt.Errorf("unknown correlation id %q", corr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.running[corr]
	if !ok {
		return nil, fmt.Errorf("unknown correlation id %q", corr)
	}
	return a, nil
}

func (s *Server) transferData(req *wire.Envelope, owned map[string]struct{}) (*wire.Envelope, error) {
	a, err := s.lookup(req.CorrelationID, owned)
	if err != nil {
		return nil, err
	}
	var p wire.TransferPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	t, err := p.DecodeTable(s.limit)
	if err != nil {
		return nil, err
	}
	if err := s.writer.Stage(req.CorrelationID, t); err != nil {
		return nil, fmt.Errorf("stage %s: %w", t.Name, err)
	}
	s.transfers.Add(1)
	a.item.ReportProgress(p.Progress)
	return wire.NewEnvelope(wire.KindAck, req.CorrelationID, nil)
}

func (s *Server) endJob(req *wire.Envelope, owned map[string]struct{}) (*wire.Envelope, error) {
	a, err := s.lookup(req.CorrelationID, owned)
	if err != nil {
		return nil, err
	}
	var p wire.EndJobPayload
	if len(req.Payload) > 0 {
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	delete(s.running, req.CorrelationID)
	s.mu.Unlock()
	delete(owned, req.CorrelationID)

	// Rows produced before a failure are kept, as they are in-process.
	commitErr := s.writer.Commit(req.CorrelationID)

	var itemErr error
	switch {
	case p.Error != "" && p.Phase == wire.PhaseMaterialize:
		itemErr = &types.MaterializationError{Item: a.item.Name, Ancestor: a.item.Ancestor(), Err: errors.New(p.Error)}
	case p.Error != "":
		itemErr = &types.ExecutionError{Item: a.item.Name, Ancestor: a.item.Ancestor(), Err: errors.New(p.Error)}
	case commitErr != nil:
		itemErr = &types.InfrastructureError{Worker: a.worker, Item: a.item.Name, Err: commitErr}
	}
	s.sched.Complete(a.item.Name, itemErr)
	s.setState(req.Sender, types.WorkerReady, "")
	return wire.NewEnvelope(wire.KindAck, req.CorrelationID, nil)
}

// abandon fails an item whose worker went away and drops its staged rows.
func (s *Server) abandon(corr string, cause error) {
	s.mu.Lock()
	a, ok := s.running[corr]
	delete(s.running, corr)
	s.mu.Unlock()
	if !ok {
		return
	}
	if cause == nil {
		cause = errors.New("connection closed")
	}
	if err := s.writer.Discard(corr); err != nil {
		s.log.Error("discard %s: %v", corr, err)
	}
	s.log.Warn("%s abandoned by worker %s: %v", a.item.Name, a.worker, cause)
	s.sched.Complete(a.item.Name, &types.InfrastructureError{Worker: a.worker, Item: a.item.Name, Err: cause})
}

func (s *Server) setState(worker string, state types.WorkerState, item string) {
	if s.pool != nil && worker != "" {
		s.pool.SetState(worker, state, item)
	}
}
