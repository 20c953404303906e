package sink

import (
	"fmt"

	"yqhp/sim-engine/internal/config"
	"yqhp/sim-engine/pkg/logger"
)

// Sink bundles a store with its single writer and a reader.
type Sink struct {
	Store  Store
	Writer *Writer
	Reader *Reader
}

// Open creates the store named by cfg.Driver and starts its writer.
func Open(cfg config.SinkConfig, log logger.Logger) (*Sink, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	return New(store, log), nil
}

// New wraps an already opened store.
func New(store Store, log logger.Logger) *Sink {
	return &Sink{
		Store:  store,
		Writer: NewWriter(store, log),
		Reader: NewReader(store),
	}
}

// Close drains the writer and closes the store.
func (s *Sink) Close() error {
	s.Writer.Stop()
	return s.Store.Close()
}
