// Package monitor watches worker heartbeats and marks silent workers as
// zombies so they drop out of the Capability Index. Records are never deleted.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/clock/system"
	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Config controls the sweep cadence and the heartbeat deadline.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
}

const (
	defaultInterval         = time.Minute
	defaultHeartbeatTimeout = 10 * time.Minute
)

// Reaper marks workers whose heartbeat is older than HeartbeatTimeout.
type Reaper struct {
	workers triage.WorkerStore
	cfg     Config
	clock   triage.Clock
	emitter events.Emitter
	logger  *zap.Logger
}

// New builds a Reaper. A nil clock uses the wall clock.
func New(workers triage.WorkerStore, cfg Config, clock triage.Clock, emitter events.Emitter, logger *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		workers: workers,
		cfg:     cfg,
		clock:   clock,
		emitter: events.OrDiscard(emitter),
		logger:  logger,
	}
}

// Sweep marks every overdue idle or busy worker as zombie and returns their ids.
// Disabled workers are left alone. The zombie write is conditional on the
// revision seen in the listing, so a worker whose heartbeat lands after the
// listing keeps its state.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	workers, err := r.workers.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	now := r.clock.Now()
	var reaped []string
	for _, w := range workers {
		if !w.State.Active() || now.Sub(w.Heartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}
		zombie := w
		zombie.State = triage.WorkerZombie
		_, err := r.workers.UpdateWorker(ctx, zombie)
		if errors.Is(err, triage.ErrConflict) || errors.Is(err, triage.ErrNotFound) {
			r.logger.Debug("worker changed during sweep", zap.String("worker_id", w.ID), zap.Error(err))
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("mark worker %s zombie: %w", w.ID, err)
		}
		reaped = append(reaped, w.ID)
		r.emitter.Emit(events.Event{
			TS:         now,
			Stage:      events.StageWorkerZombie,
			WorkerID:   w.ID,
			Capability: w.Capability,
			Note:       "last heartbeat " + now.Sub(w.Heartbeat).Truncate(time.Second).String() + " ago",
		})
		r.logger.Warn("worker marked zombie",
			zap.String("worker_id", w.ID),
			zap.Time("last_heartbeat", w.Heartbeat),
		)
	}
	return reaped, nil
}

// Run sweeps on every interval tick until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("heartbeat sweep failed", zap.Error(err))
			}
		}
	}
}
