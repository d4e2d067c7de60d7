// Package buglink decides which failure signatures still need attention and
// records bug-tracker linkage and suppression on history records.
package buglink

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/retry"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// IsInteresting reports whether rec needs attention: it is not suppressed and
// has no open bug filed against it.
func IsInteresting(rec triage.HistoryRecord) bool {
	if rec.Suppressed {
		return false
	}
	return rec.BugList == nil || len(rec.BugList.Open) == 0
}

// HistoryLister lists history records.
type HistoryLister interface {
	ListHistory(ctx context.Context, filter triage.HistoryFilter) ([]triage.HistoryRecord, error)
}

// Filter answers "interesting signatures" queries.
type Filter struct {
	history HistoryLister
}

// NewFilter builds a Filter.
func NewFilter(history HistoryLister) *Filter {
	return &Filter{history: history}
}

// Interesting returns the records matching filter that pass IsInteresting.
// Limit applies after the interest check.
func (f *Filter) Interesting(ctx context.Context, filter triage.HistoryFilter) ([]triage.HistoryRecord, error) {
	limit := filter.Limit
	filter.Limit = 0
	recs, err := f.history.ListHistory(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := slices.DeleteFunc(recs, func(r triage.HistoryRecord) bool { return !IsInteresting(r) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Linker applies tracker decisions to history records with bounded
// compare-and-swap retries.
type Linker struct {
	store  triage.HistoryStore
	policy retry.Policy
	logger *zap.Logger
}

// NewLinker builds a Linker. Zero policy fields take the retry defaults.
func NewLinker(store triage.HistoryStore, policy retry.Policy, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{store: store, policy: policy.WithDefaults(), logger: logger}
}

// SetBugs replaces the open and closed bug ids linked to key.
func (l *Linker) SetBugs(ctx context.Context, key string, open, closed []string) (triage.HistoryRecord, error) {
	bugs := &triage.BugList{Open: dedupe(open), Closed: dedupe(closed)}
	rec, err := l.update(ctx, key, func(rec *triage.HistoryRecord) bool {
		if rec.BugList != nil && slices.Equal(rec.BugList.Open, bugs.Open) && slices.Equal(rec.BugList.Closed, bugs.Closed) {
			return false
		}
		rec.BugList = bugs.Clone()
		return true
	})
	if err != nil {
		return triage.HistoryRecord{}, err
	}
	l.logger.Info("bug list updated", zap.String("key", key), zap.Strings("open", bugs.Open))
	return rec, nil
}

// SetSuppressed marks key as suppressed or unsuppressed.
func (l *Linker) SetSuppressed(ctx context.Context, key string, suppressed bool) (triage.HistoryRecord, error) {
	rec, err := l.update(ctx, key, func(rec *triage.HistoryRecord) bool {
		if rec.Suppressed == suppressed {
			return false
		}
		rec.Suppressed = suppressed
		return true
	})
	if err != nil {
		return triage.HistoryRecord{}, err
	}
	l.logger.Info("suppression updated", zap.String("key", key), zap.Bool("suppressed", suppressed))
	return rec, nil
}

func (l *Linker) update(
	ctx context.Context,
	key string,
	mutate func(*triage.HistoryRecord) bool,
) (triage.HistoryRecord, error) {
	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		rec, err := l.store.GetHistory(ctx, key)
		if err != nil {
			return triage.HistoryRecord{}, fmt.Errorf("get history %s: %w", key, err)
		}
		if !mutate(&rec) {
			return rec, nil
		}
		updated, err := l.store.UpdateHistory(ctx, rec)
		if errors.Is(err, triage.ErrConflict) {
			if attempt == l.policy.MaxAttempts {
				break
			}
			if err := l.policy.Wait(ctx, attempt); err != nil {
				return triage.HistoryRecord{}, fmt.Errorf("update history %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return triage.HistoryRecord{}, fmt.Errorf("update history %s: %w", key, err)
		}
		return updated, nil
	}
	return triage.HistoryRecord{}, fmt.Errorf("update history %s after %d attempts: %w", key, l.policy.MaxAttempts, triage.ErrConflict)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
