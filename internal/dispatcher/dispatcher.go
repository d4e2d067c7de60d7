// Package dispatcher manages the local worker pool.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runnable is a worker loop that blocks until ctx finishes.
type Runnable interface {
	ID() string
	Run(ctx context.Context) error
}

// Dispatcher fans a pool of workers out over goroutines.
type Dispatcher struct {
	workers []Runnable
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runnable, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes. A worker
// that fails stops the rest and its error is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher: no workers configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.ID(), err)
			}
			return nil
		})
	}
	d.logger.Info("worker pool started", zap.Int("workers", len(d.workers)))
	err := g.Wait()
	d.logger.Info("worker pool stopped", zap.Error(err))
	return err
}
