// Package retest fans a failure signature out into urgent jobs, one per
// configured product major version and known worker capability.
package retest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/clock/system"
	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// CapabilityLister returns the distinct worker capabilities.
type CapabilityLister interface {
	Capabilities(ctx context.Context) ([]triage.Capability, error)
}

// JobCreator persists new jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, job triage.Job) (triage.Job, error)
}

// Config lists the versions to retest and per-CPU version caps. CPU keys are
// matched case-insensitively.
type Config struct {
	Versions      []int
	CPUMaxVersion map[string]int
}

// Combination is one (major version, capability) pair.
type Combination struct {
	MajorVersion int `json:"major_version"`
	triage.Capability
}

// Failure is a combination whose job could not be stored.
type Failure struct {
	Combination
	Error string `json:"error"`
}

// Report summarizes a Retest call. Each combination lands in exactly one list.
type Report struct {
	Created []triage.Job  `json:"created"`
	Skipped []Combination `json:"skipped"`
	Failed  []Failure     `json:"failed"`
}

// Dispatcher creates retest jobs.
type Dispatcher struct {
	caps    CapabilityLister
	jobs    JobCreator
	ids     triage.IDGenerator
	clock   triage.Clock
	cfg     Config
	emitter events.Emitter
	logger  *zap.Logger
}

// New builds a Dispatcher. A nil emitter or logger is replaced with a no-op.
func New(
	caps CapabilityLister,
	jobs JobCreator,
	ids triage.IDGenerator,
	cfg Config,
	emitter events.Emitter,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	limits := make(map[string]int, len(cfg.CPUMaxVersion))
	for cpu, limit := range cfg.CPUMaxVersion {
		limits[strings.ToLower(cpu)] = limit
	}
	cfg.CPUMaxVersion = limits
	return &Dispatcher{
		caps:    caps,
		jobs:    jobs,
		ids:     ids,
		clock:   system.New(),
		cfg:     cfg,
		emitter: events.OrDiscard(emitter),
		logger:  logger,
	}
}

// Retest creates one urgent job per version and capability for signature.
// Capped or failing combinations are reported and never stop the rest.
func (d *Dispatcher) Retest(ctx context.Context, signature string, urls []string) (Report, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return Report{}, fmt.Errorf("%w: signature is required", triage.ErrInvalidRecord)
	}
	urls = slices.DeleteFunc(slices.Clone(urls), func(u string) bool { return strings.TrimSpace(u) == "" })
	if len(urls) == 0 {
		return Report{}, fmt.Errorf("%w: at least one url is required", triage.ErrInvalidRecord)
	}
	capabilities, err := d.caps.Capabilities(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("retest capabilities: %w", err)
	}

	var report Report
	now := d.clock.Now()
	for _, version := range d.cfg.Versions {
		for _, capability := range capabilities {
			combo := Combination{MajorVersion: version, Capability: capability}
			if d.capped(combo) {
				report.Skipped = append(report.Skipped, combo)
				d.emitter.Emit(events.Event{
					TS: now, Stage: events.StageRetestSkipped, Capability: capability,
					Note: fmt.Sprintf("major version %d above cpu cap", version),
				})
				continue
			}
			job, err := d.create(ctx, combo, signature, urls, now)
			if err != nil {
				d.logger.Warn("retest job not created",
					zap.String("signature", signature),
					zap.Int("major_version", version),
					zap.Stringer("capability", capability),
					zap.Error(err),
				)
				report.Failed = append(report.Failed, Failure{Combination: combo, Error: err.Error()})
				continue
			}
			report.Created = append(report.Created, job)
			d.emitter.Emit(events.Event{TS: now, Stage: events.StageRetestCreated, JobID: job.ID, Capability: capability})
		}
	}
	d.logger.Info("retest dispatched",
		zap.String("signature", signature),
		zap.Int("created", len(report.Created)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (d *Dispatcher) capped(c Combination) bool {
	limit, ok := d.cfg.CPUMaxVersion[strings.ToLower(c.CPUName)]
	return ok && limit < c.MajorVersion
}

func (d *Dispatcher) create(
	ctx context.Context,
	combo Combination,
	signature string,
	urls []string,
	now time.Time,
) (triage.Job, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return triage.Job{}, fmt.Errorf("job id: %w", err)
	}
	job, err := d.jobs.CreateJob(ctx, triage.Job{
		ID:           id,
		Type:         triage.TypeJob,
		Capability:   combo.Capability,
		MajorVersion: combo.MajorVersion,
		URLs:         slices.Clone(urls),
		Priority:     triage.PriorityUrgent,
		Signature:    signature,
		Created:      now,
		ProcessedBy:  map[string]time.Time{},
	})
	if err != nil {
		return triage.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}
