// Package worker implements the fleet worker loop: register, heartbeat,
// claim a job, run it through the harness, and ingest what it reports.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/clock/system"
	"github.com/JakeFAU/crashtriage/internal/ingest"
	"github.com/JakeFAU/crashtriage/internal/metrics"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Claimer takes the most urgent pending job for a capability.
type Claimer interface {
	Claim(ctx context.Context, workerID string, capability triage.Capability) (triage.Job, error)
}

// Runner executes a job and returns the run header and failure details.
type Runner interface {
	Run(ctx context.Context, job triage.Job) (ingest.Batch, error)
}

// Ingester stores a run and folds its failures into history.
type Ingester interface {
	Ingest(ctx context.Context, header triage.ResultHeader, details []triage.FailureDetail) (ingest.Report, error)
}

// Throttle paces claim attempts per worker.
type Throttle interface {
	Wait(ctx context.Context, workerID string) error
}

// Config controls Worker behavior.
type Config struct {
	ID                string
	Hostname          string
	Capability        triage.Capability
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

const (
	defaultPollInterval      = 30 * time.Second
	defaultHeartbeatInterval = time.Minute
	shutdownTimeout          = 5 * time.Second
)

// Run outcomes recorded in metrics.
const (
	outcomeOK           = "ok"
	outcomeHarnessError = "harness_error"
	outcomeIngestError  = "ingest_error"
)

// Worker claims and runs jobs for one capability.
type Worker struct {
	workers  triage.WorkerStore
	claimer  Claimer
	runner   Runner
	ingester Ingester
	clock    triage.Clock
	throttle Throttle
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	state triage.WorkerState
}

// Option customizes a Worker.
type Option func(*Worker)

// WithThrottle makes the worker wait on t before every claim.
func WithThrottle(t Throttle) Option {
	return func(w *Worker) { w.throttle = t }
}

// New constructs a Worker.
func New(
	workers triage.WorkerStore,
	claimer Claimer,
	runner Runner,
	ingester Ingester,
	clock triage.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		workers:  workers,
		claimer:  claimer,
		runner:   runner,
		ingester: ingester,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", cfg.ID)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.cfg.ID }

// Run registers the worker and loops until ctx finishes. On exit the worker
// record is left disabled so it drops out of the Capability Index.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.setState(ctx, triage.WorkerIdle); err != nil {
		return fmt.Errorf("register worker %s: %w", w.cfg.ID, err)
	}
	w.logger.Info("worker registered", zap.Stringer("capability", w.cfg.Capability))

	beatCtx, stopBeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeat(beatCtx)
	}()
	defer func() {
		stopBeat()
		wg.Wait()
		w.retire(ctx)
	}()

	for ctx.Err() == nil {
		if w.throttle != nil {
			if err := w.throttle.Wait(ctx, w.cfg.ID); err != nil {
				break
			}
		}
		job, err := w.claimer.Claim(ctx, w.cfg.ID, w.cfg.Capability)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, triage.ErrNoJobAvailable) {
				w.logger.Error("claim failed", zap.Error(err))
			}
			w.sleep(ctx)
			continue
		}
		w.logger.Debug("claimed job", zap.String("job_id", job.ID))
		w.process(ctx, job)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job triage.Job) {
	logger := w.logger.With(zap.String("job_id", job.ID))
	if err := w.setState(ctx, triage.WorkerBusy); err != nil {
		logger.Warn("mark worker busy", zap.Error(err))
	}
	metrics.IncActiveWorkers()
	started := w.clock.Now()
	outcome := outcomeOK
	defer func() {
		metrics.DecActiveWorkers()
		metrics.ObserveRun(outcome, w.clock.Now().Sub(started))
		if err := w.setState(ctx, triage.WorkerIdle); err != nil && ctx.Err() == nil {
			logger.Warn("mark worker idle", zap.Error(err))
		}
	}()

	batch, err := w.runner.Run(ctx, job)
	if err != nil {
		outcome = outcomeHarnessError
		logger.Error("job run failed", zap.Error(err))
		return
	}

	header := w.fillHeader(batch.Header, job)
	report, err := w.ingester.Ingest(ctx, header, batch.Details)
	if err != nil {
		outcome = outcomeIngestError
		logger.Error("ingest run", zap.Error(err))
		return
	}
	logger.Info("job completed",
		zap.String("result_id", report.ResultID),
		zap.Int("stored", len(report.Stored)),
		zap.Int("rejected", len(report.Rejected)),
		zap.Int("failed", len(report.Failed)),
	)
}

// fillHeader supplies what the harness may leave out.
func (w *Worker) fillHeader(h triage.ResultHeader, job triage.Job) triage.ResultHeader {
	if h.Type == "" {
		h.Type = triage.ResultRun
	}
	if h.WorkerID == "" {
		h.WorkerID = w.cfg.ID
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = w.clock.Now()
	}
	if h.URL == "" && len(job.URLs) == 1 {
		h.URL = job.URLs[0]
	}
	if h.Capability == (triage.Capability{}) {
		h.Capability = job.Capability
	}
	return h
}

func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			state := w.state
			w.mu.Unlock()
			if err := w.setState(ctx, state); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// setState writes the worker record with a fresh heartbeat.
func (w *Worker) setState(ctx context.Context, state triage.WorkerState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	_, err := w.workers.PutWorker(ctx, triage.Worker{
		ID:         w.cfg.ID,
		Capability: w.cfg.Capability,
		State:      state,
		Hostname:   w.cfg.Hostname,
		Heartbeat:  w.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("put worker: %w", err)
	}
	return nil
}

func (w *Worker) retire(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := w.setState(ctx, triage.WorkerDisabled); err != nil {
		w.logger.Warn("disable worker on shutdown", zap.Error(err))
		return
	}
	w.logger.Info("worker stopped")
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
