// Package history folds failure details into one aggregate record per
// distinct failure fingerprint.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/clock/system"
	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/retry"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Outcome describes what a fold did to the history record.
type Outcome string

// Fold outcomes.
const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// FoldOutcome reports the record a detail was folded into.
type FoldOutcome struct {
	Key     string
	Outcome Outcome
	Record  triage.HistoryRecord
}

// Config bounds compare-and-swap retries. Zero fields take the retry
// package defaults.
type Config struct {
	MaxAttempts int
	// Backoff is the base pause after a lost update; it doubles per attempt
	// up to MaxBackoff and is jittered.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Policy converts c into a retry policy with defaults applied.
func (c Config) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: c.MaxAttempts, BaseDelay: c.Backoff, MaxDelay: c.MaxBackoff}.WithDefaults()
}

// Aggregator merges details into history records with get, merge, and a
// conditional write. Concurrent folds on one key retry rather than overwrite.
type Aggregator struct {
	store   triage.HistoryStore
	hasher  triage.Hasher
	policy  retry.Policy
	emitter events.Emitter
	clock   triage.Clock
	logger  *zap.Logger
}

// New builds an Aggregator. A nil emitter or logger is replaced with a no-op.
func New(
	store triage.HistoryStore,
	hasher triage.Hasher,
	cfg Config,
	emitter events.Emitter,
	logger *zap.Logger,
) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:   store,
		hasher:  hasher,
		policy:  cfg.Policy(),
		emitter: events.OrDiscard(emitter),
		clock:   system.New(),
		logger:  logger,
	}
}

// Fold merges detail into the record for its fingerprint, creating it on first
// sight. Replaying a detail already reflected in the record writes nothing.
func (a *Aggregator) Fold(ctx context.Context, detail triage.FailureDetail) (FoldOutcome, error) {
	if err := detail.Validate(); err != nil {
		return FoldOutcome{}, err
	}
	fp, err := detail.Fingerprint()
	if err != nil {
		return FoldOutcome{}, err
	}
	key, err := fp.Key(a.hasher)
	if err != nil {
		return FoldOutcome{}, err
	}

	for attempt := 1; attempt <= a.policy.MaxAttempts; attempt++ {
		current, err := a.store.GetHistory(ctx, key)
		switch {
		case errors.Is(err, triage.ErrNotFound):
			created, err := a.store.CreateHistory(ctx, newRecord(key, detail))
			if errors.Is(err, triage.ErrExists) {
				continue
			}
			if err != nil {
				return FoldOutcome{}, fmt.Errorf("create history %s: %w", key, err)
			}
			a.emit(events.StageSignatureNew, key, fp.Kind, detail.ResultID)
			a.logger.Info("new failure signature",
				zap.String("key", key),
				zap.String("kind", string(fp.Kind)),
				zap.String("result_id", detail.ResultID),
			)
			return FoldOutcome{Key: key, Outcome: OutcomeCreated, Record: created}, nil
		case err != nil:
			return FoldOutcome{}, fmt.Errorf("get history %s: %w", key, err)
		}

		merged, changed := Merge(current, detail)
		if !changed {
			return FoldOutcome{Key: key, Outcome: OutcomeUnchanged, Record: current}, nil
		}
		updated, err := a.store.UpdateHistory(ctx, merged)
		if errors.Is(err, triage.ErrConflict) {
			a.logger.Debug("history update conflict", zap.String("key", key), zap.Int("attempt", attempt))
			if attempt == a.policy.MaxAttempts {
				break
			}
			if err := a.policy.Wait(ctx, attempt); err != nil {
				return FoldOutcome{}, fmt.Errorf("fold %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return FoldOutcome{}, fmt.Errorf("update history %s: %w", key, err)
		}
		a.emit(events.StageSignatureUpdated, key, fp.Kind, detail.ResultID)
		return FoldOutcome{Key: key, Outcome: OutcomeUpdated, Record: updated}, nil
	}
	a.logger.Warn("history fold gave up",
		zap.String("key", key),
		zap.String("detail_id", detail.ID),
		zap.Int("attempts", a.policy.MaxAttempts),
	)
	return FoldOutcome{}, fmt.Errorf("fold %s after %d attempts: %w", key, a.policy.MaxAttempts, triage.ErrConflict)
}

// Lookup returns the record for fp.
func (a *Aggregator) Lookup(ctx context.Context, fp triage.Fingerprint) (triage.HistoryRecord, error) {
	key, err := fp.Key(a.hasher)
	if err != nil {
		return triage.HistoryRecord{}, err
	}
	return a.Get(ctx, key)
}

// Get returns the record stored under key.
func (a *Aggregator) Get(ctx context.Context, key string) (triage.HistoryRecord, error) {
	rec, err := a.store.GetHistory(ctx, key)
	if err != nil {
		return triage.HistoryRecord{}, fmt.Errorf("lookup history %s: %w", key, err)
	}
	return rec, nil
}

func newRecord(key string, d triage.FailureDetail) triage.HistoryRecord {
	kind, _ := d.Kind()
	return triage.HistoryRecord{
		ID:          key,
		Type:        kind.HistoryType(),
		Messages:    d.Messages,
		Environment: d.Environment,
		FirstSeen:   d.Timestamp,
		LastSeen:    d.Timestamp,
		Locations:   []string{d.LocationID},
	}
}

// Merge widens rec's time range to include d and appends d's location when
// it is new. It reports whether anything changed.
func Merge(rec triage.HistoryRecord, d triage.FailureDetail) (triage.HistoryRecord, bool) {
	out := rec.Clone()
	changed := false
	if out.FirstSeen.IsZero() || d.Timestamp.Before(out.FirstSeen) {
		out.FirstSeen = d.Timestamp
		changed = true
	}
	if d.Timestamp.After(out.LastSeen) {
		out.LastSeen = d.Timestamp
		changed = true
	}
	if !slices.Contains(out.Locations, d.LocationID) {
		out.Locations = append(out.Locations, d.LocationID)
		changed = true
	}
	return out, changed
}

func (a *Aggregator) emit(stage events.Stage, key string, kind triage.FailureKind, resultID string) {
	a.emitter.Emit(events.Event{TS: a.clock.Now(), Stage: stage, Key: key, Kind: kind, ResultID: resultID})
}
