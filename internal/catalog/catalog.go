// Package catalog discovers runnable work in a model tree.
package catalog

import (
	"context"
	"fmt"
	"time"

	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/pkg/logger"
	"yqhp/sim-engine/pkg/types"
)

// Options configures discovery.
type Options struct {
	// InitWait bounds how long discovery waits for a tree that is still
	// initializing.
	InitWait     time.Duration
	PollInterval time.Duration
	Registry     *job.Registry
}

// Catalog walks model trees.
type Catalog struct {
	opts Options
}

// New creates a catalog.
func New(opts Options) *Catalog {
	if opts.InitWait <= 0 {
		opts.InitWait = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Registry == nil {
		opts.Registry = job.DefaultRegistry
	}
	return &Catalog{opts: opts}
}

// Discover walks root with default options.
func Discover(ctx context.Context, root *model.Node, filter Filter) ([]*job.Descriptor, error) {
	return New(Options{}).Discover(ctx, root, filter)
}

// Discover walks root depth-first and returns the descriptors accepted by
// filter, in tree order. A nil filter accepts everything. All errors are
// *types.DiscoveryError.
func (c *Catalog) Discover(ctx context.Context, root *model.Node, filter Filter) ([]*job.Descriptor, error) {
	if root == nil {
		return nil, &types.DiscoveryError{Err: fmt.Errorf("no model tree")}
	}
	if err := c.waitReady(ctx, root); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = All{}
	}

	var all []*job.Descriptor
	if err := c.walk(root, &all); err != nil {
		return nil, err
	}

	out := make([]*job.Descriptor, 0, len(all))
	for _, d := range all {
		if filter.Match(d) {
			out = append(out, d)
		}
	}

	if p, ok := filter.(*Playlist); ok && !p.Empty() && len(out) == 0 {
		return nil, &types.DiscoveryError{Err: fmt.Errorf("playlist %v matched no simulations", p.Patterns())}
	}

	seen := make(map[string]bool, len(out))
	for _, d := range out {
		if seen[d.Name] {
			return nil, &types.DiscoveryError{Name: d.Name, Err: fmt.Errorf("duplicate simulation name")}
		}
		seen[d.Name] = true
	}

	logger.Debug("discovered %d of %d work items", len(out), len(all))
	return out, nil
}

func (c *Catalog) waitReady(ctx context.Context, root *model.Node) error {
	if !root.Initializing() {
		return nil
	}
	deadline := time.NewTimer(c.opts.InitWait)
	defer deadline.Stop()
	tick := time.NewTicker(c.opts.PollInterval)
	defer tick.Stop()

	for root.Initializing() {
		select {
		case <-ctx.Done():
			return &types.DiscoveryError{Name: root.Name, Err: ctx.Err()}
		case <-deadline.C:
			return &types.DiscoveryError{Name: root.Name, Err: fmt.Errorf("model still initializing after %s", c.opts.InitWait)}
		case <-tick.C:
		}
	}
	return nil
}

func (c *Catalog) walk(n *model.Node, out *[]*job.Descriptor) error {
	if !n.Enabled() {
		return nil
	}

	switch n.Kind {
	case model.KindSimulation:
		if n.Name == "" {
			return &types.DiscoveryError{Err: fmt.Errorf("simulation at %s has no name", n.FullPath())}
		}
		*out = append(*out, job.NewSimulation(n.Name, n, nil, nil))
		return nil

	case model.KindExperiment:
		ds, err := expandExperiment(n)
		if err != nil {
			return err
		}
		*out = append(*out, ds...)
		return nil

	case model.KindSimulations, model.KindFolder:
		for _, child := range n.Children {
			if err := c.walk(child, out); err != nil {
				return err
			}
		}
		return nil

	case model.KindReplacements:
		return nil
	}

	if c.opts.Registry.Runnable(n.Kind) {
		*out = append(*out, job.NewTool(n))
	}
	return nil
}

// PlaylistFromTree returns the first enabled playlist node's patterns, or
// nil when the tree has none.
func PlaylistFromTree(root *model.Node) (*Playlist, error) {
	for _, n := range root.FindAll(model.KindPlaylist) {
		if !n.Enabled() {
			continue
		}
		p, err := ParsePlaylist(n.String("text", ""))
		if err != nil {
			return nil, &types.DiscoveryError{Name: n.Name, Err: err}
		}
		return p, nil
	}
	return nil, nil
}
