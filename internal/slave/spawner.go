package slave

import (
	"context"
	"sync"

	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/internal/master"
)

// LocalSpawner runs workers as goroutines of the current process. It
// satisfies master.Spawner and is used when a separate worker binary is
// not wanted, mostly in tests.
type LocalSpawner struct {
	// Config is copied for every worker; ID is replaced.
	Config   Config
	Registry *job.Registry
	// Addr overrides Config.MasterAddress when set.
	Addr string
}

var _ master.Spawner = (*LocalSpawner)(nil)

// Spawn starts one in-process worker.
func (s *LocalSpawner) Spawn(ctx context.Context, id string) (master.Process, error) {
	cfg := s.Config
	cfg.ID = id
	if s.Addr != "" {
		cfg.MasterAddress = s.Addr
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &localProcess{cancel: cancel, done: make(chan struct{})}
	w := NewWorkerSlave(&cfg, s.Registry)
	go func() {
		defer close(p.done)
		err := w.Run(ctx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
	return p, nil
}

type localProcess struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *localProcess) PID() int { return 0 }

func (p *localProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *localProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *localProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return ""
	}
	return p.err.Error()
}
