package slave

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"yqhp/sim-engine/api/wire"
	"yqhp/sim-engine/internal/config"
	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

// Config holds the settings of one worker.
type Config struct {
	// ID is sent as the sender of every request.
	ID string
	// MasterAddress is the coordinator's listen address.
	MasterAddress     string
	DialTimeout       time.Duration
	MaxFrameSize      int
	CompressThreshold int
	Log               logger.Logger
}

// DefaultConfig returns a worker configuration from the distributed
// defaults.
func DefaultConfig() *Config {
	d := config.DefaultConfig().Distributed
	return FromConfig(d)
}

// FromConfig builds a worker configuration from the distributed section.
func FromConfig(d config.DistributedConfig) *Config {
	return &Config{
		MasterAddress:     d.Address,
		DialTimeout:       d.DialTimeout,
		MaxFrameSize:      d.MaxFrameSize,
		CompressThreshold: d.CompressThreshold,
	}
}

// WorkerSlave runs items handed out by the coordinator, one at a time.
type WorkerSlave struct {
	config   *Config
	registry *job.Registry
	log      logger.Logger

	state     atomic.Value // types.WorkerState
	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerSlave creates a worker. A nil registry uses the default one.
func NewWorkerSlave(cfg *Config, registry *job.Registry) *WorkerSlave {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if registry == nil {
		registry = job.DefaultRegistry
	}
	log := cfg.Log
	if log == nil {
		log = logger.Default("worker " + cfg.ID)
	}
	s := &WorkerSlave{config: cfg, registry: registry, log: log}
	s.state.Store(types.WorkerStarting)
	return s
}

// State returns the worker's current state.
func (s *WorkerSlave) State() types.WorkerState {
	return s.state.Load().(types.WorkerState)
}

// Counts returns the number of items completed and how many of them failed.
func (s *WorkerSlave) Counts() (completed, failed int64) {
	return s.completed.Load(), s.failed.Load()
}

// Run connects and pulls work until the coordinator has none left. It
// returns nil on a clean finish. Cancelling ctx closes the connection.
func (s *WorkerSlave) Run(ctx context.Context) error {
	defer s.state.Store(types.WorkerTerminated)

	conn, err := wire.Dial(ctx, s.config.MasterAddress, s.config.DialTimeout, s.config.MaxFrameSize)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.state.Store(types.WorkerReady)
	s.log.Debug("connected to %s", s.config.MasterAddress)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.call(conn, wire.KindGetJob, "", nil)
		if err != nil {
			return s.connErr(ctx, "get job", err)
		}
		switch resp.Kind {
		case wire.KindNoJob:
			s.log.Debug("no more work")
			return nil
		case wire.KindJob:
			if err := s.runJob(ctx, conn, resp); err != nil {
				return s.connErr(ctx, "job "+resp.CorrelationID, err)
			}
		default:
			return fmt.Errorf("worker %s: unexpected reply %s to get_job", s.config.ID, resp.Kind)
		}
	}
}

func (s *WorkerSlave) connErr(ctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("worker %s: %s: %w", s.config.ID, what, err)
}

func (s *WorkerSlave) call(conn *wire.Conn, kind wire.Kind, corr string, payload any) (*wire.Envelope, error) {
	req, err := wire.NewEnvelope(kind, corr, payload)
	if err != nil {
		return nil, err
	}
	req.Sender = s.config.ID
	return conn.Call(req)
}

// runJob runs one item. Only failures of the connection are returned;
// item failures travel in EndJob.
func (s *WorkerSlave) runJob(ctx context.Context, conn *wire.Conn, resp *wire.Envelope) error {
	var p wire.JobPayload
	if err := resp.Decode(&p); err != nil {
		return err
	}
	s.state.Store(types.WorkerBusy)
	defer s.state.Store(types.WorkerReady)

	fwd := &forwarder{slave: s, conn: conn, corr: resp.CorrelationID}
	end := wire.EndJobPayload{}

	node := model.FromSnapshot(p.Model)
	w, err := s.registry.New(node, job.Spec{Name: p.Name, Tags: p.Tags}, job.Services{Sink: fwd})
	if err != nil {
		end.Error, end.Phase = err.Error(), wire.PhaseMaterialize
	} else {
		fwd.work = w
		if err := job.RunWork(ctx, w); err != nil {
			if fwd.broken != nil {
				return fwd.broken
			}
			end.Error, end.Phase = err.Error(), wire.PhaseRun
		}
	}
	if fwd.broken != nil {
		return fwd.broken
	}

	s.completed.Add(1)
	if end.Error != "" {
		s.failed.Add(1)
		s.log.Debug("%s failed: %s", p.Name, end.Error)
	}
	ack, err := s.call(conn, wire.KindEndJob, resp.CorrelationID, end)
	if err != nil {
		return err
	}
	if ack.Kind != wire.KindAck {
		return fmt.Errorf("unexpected reply %s to end_job", ack.Kind)
	}
	return nil
}

// forwarder is the worker's local result sink. Each table is sent to the
// coordinator and acknowledged before WriteTable returns.
type forwarder struct {
	slave  *WorkerSlave
	conn   *wire.Conn
	corr   string
	work   job.Work
	broken error
}

func (f *forwarder) WriteTable(t *types.Table) error {
	if f.broken != nil {
		return f.broken
	}
	if t.Len() == 0 {
		return nil
	}
	p, err := wire.EncodeTable(t, f.slave.config.CompressThreshold)
	if err != nil {
		return err
	}
	if f.work != nil {
		p.Progress = f.work.Progress()
	}
	ack, err := f.slave.call(f.conn, wire.KindTransferData, f.corr, p)
	if err != nil {
		var remote *wire.RemoteError
		if !errors.As(err, &remote) {
			f.broken = err
		}
		return err
	}
	if ack.Kind != wire.KindAck {
		return fmt.Errorf("unexpected reply %s to transfer_data", ack.Kind)
	}
	return nil
}
