// Package claim implements the job claim protocol: pick the most urgent
// pending job for a capability and take it with a conditional assignment,
// retrying past jobs lost to concurrent workers.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/clock/system"
	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

const tracerName = "github.com/JakeFAU/crashtriage/internal/claim"

// PendingLister returns unassigned jobs for a capability, most urgent first.
type PendingLister interface {
	PendingJobs(ctx context.Context, capability triage.Capability) ([]triage.Job, error)
}

// Assigner performs the conditional worker assignment.
type Assigner interface {
	AssignJob(ctx context.Context, jobID string, expectedRevision int64, workerID string) (triage.Job, error)
}

// Config bounds a single Claim call.
type Config struct {
	// MaxAttempts caps the number of assignment attempts (default 10).
	MaxAttempts int
	// Timeout caps the wall time of one Claim call (default 10s).
	Timeout time.Duration
	// Backoff is the pause after a lost race; zero retries immediately.
	Backoff time.Duration
}

const (
	defaultMaxAttempts = 10
	defaultTimeout     = 10 * time.Second
)

// Claimer runs the claim protocol.
type Claimer struct {
	pending PendingLister
	jobs    Assigner
	cfg     Config
	emitter events.Emitter
	clock   triage.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Option customizes a Claimer.
type Option func(*Claimer)

// WithEmitter sends claim events to e.
func WithEmitter(e events.Emitter) Option {
	return func(c *Claimer) { c.emitter = events.OrDiscard(e) }
}

// WithClock overrides the clock used for event timestamps.
func WithClock(clock triage.Clock) Option {
	return func(c *Claimer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Claimer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Claimer.
func New(pending PendingLister, jobs Assigner, cfg Config, opts ...Option) *Claimer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Claimer{
		pending: pending,
		jobs:    jobs,
		cfg:     cfg,
		emitter: events.Discard,
		clock:   system.New(),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim assigns the most urgent pending job for capability to workerID.
// It returns an error wrapping triage.ErrNoJobAvailable when nothing is
// pending, when every candidate was lost, or when the attempt or time budget
// runs out. Other store failures are returned wrapped.
func (c *Claimer) Claim(ctx context.Context, workerID string, capability triage.Capability) (triage.Job, error) {
	if workerID == "" {
		return triage.Job{}, fmt.Errorf("%w: worker id is required", triage.ErrInvalidRecord)
	}
	if err := capability.Validate(); err != nil {
		return triage.Job{}, fmt.Errorf("claim capability: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "claim.Claim", trace.WithAttributes(
		attribute.String("worker.id", workerID),
		attribute.String("capability", capability.String()),
	))
	defer span.End()

	logger := c.logger.With(zap.String("worker_id", workerID), zap.Stringer("capability", capability))
	lost := make(map[string]struct{})

attempts:
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		candidates, err := c.pending.PendingJobs(ctx, capability)
		if err != nil {
			if ctx.Err() != nil {
				break attempts
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "pending lookup failed")
			return triage.Job{}, fmt.Errorf("claim pending lookup: %w", err)
		}
		candidate, ok := firstUnlost(candidates, lost)
		if !ok {
			c.emit(events.Event{Stage: events.StageClaimEmpty, WorkerID: workerID, Capability: capability, Attempt: attempt})
			span.SetAttributes(attribute.Int("claim.attempts", attempt), attribute.String("claim.outcome", "empty"))
			return triage.Job{}, triage.ErrNoJobAvailable
		}

		job, err := c.jobs.AssignJob(ctx, candidate.ID, candidate.Revision, workerID)
		switch {
		case err == nil:
			c.emit(events.Event{
				Stage: events.StageClaimWon, WorkerID: workerID, JobID: job.ID, Capability: capability, Attempt: attempt,
			})
			span.SetAttributes(
				attribute.Int("claim.attempts", attempt),
				attribute.String("claim.outcome", "won"),
				attribute.String("job.id", job.ID),
			)
			logger.Debug("job claimed", zap.String("job_id", job.ID), zap.Int("attempt", attempt))
			return job, nil
		case errors.Is(err, triage.ErrConflict), errors.Is(err, triage.ErrNotFound):
			lost[candidate.ID] = struct{}{}
			c.emit(events.Event{
				Stage: events.StageClaimLost, WorkerID: workerID, JobID: candidate.ID, Capability: capability, Attempt: attempt,
			})
			logger.Debug("claim lost", zap.String("job_id", candidate.ID), zap.Int("attempt", attempt))
			if !c.pause(ctx) {
				break attempts
			}
		default:
			if ctx.Err() != nil {
				break attempts
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "assign failed")
			return triage.Job{}, fmt.Errorf("claim job %s: %w", candidate.ID, err)
		}
	}

	span.SetAttributes(attribute.String("claim.outcome", "exhausted"), attribute.Int("claim.lost", len(lost)))
	logger.Info("claim gave up", zap.Int("lost", len(lost)), zap.Error(ctx.Err()))
	if err := ctx.Err(); err != nil {
		return triage.Job{}, fmt.Errorf("%w: %w", triage.ErrNoJobAvailable, err)
	}
	return triage.Job{}, triage.ErrNoJobAvailable
}

func firstUnlost(candidates []triage.Job, lost map[string]struct{}) (triage.Job, bool) {
	for _, job := range candidates {
		if job.Assigned() {
			continue
		}
		if _, skip := lost[job.ID]; !skip {
			return job, true
		}
	}
	return triage.Job{}, false
}

// pause waits out the backoff and reports whether ctx is still live.
func (c *Claimer) pause(ctx context.Context) bool {
	if c.cfg.Backoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.cfg.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Claimer) emit(evt events.Event) {
	evt.TS = c.clock.Now()
	c.emitter.Emit(evt)
}
