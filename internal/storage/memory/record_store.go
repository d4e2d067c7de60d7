// Package memory provides in-memory record and blob stores for development
// and tests. Revision checks mirror the shared store's conditional updates.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Store is a mutex-guarded triage.Store.
type Store struct {
	mu       sync.RWMutex
	workers  map[string]triage.Worker
	jobs     map[string]triage.Job
	results  map[string]triage.ResultHeader
	failures map[string][]triage.FailureDetail
	history  map[string]triage.HistoryRecord
}

var _ triage.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		workers:  make(map[string]triage.Worker),
		jobs:     make(map[string]triage.Job),
		results:  make(map[string]triage.ResultHeader),
		failures: make(map[string][]triage.FailureDetail),
		history:  make(map[string]triage.HistoryRecord),
	}
}

// PutWorker inserts or replaces a worker record and bumps its revision.
func (s *Store) PutWorker(_ context.Context, worker triage.Worker) (triage.Worker, error) {
	if err := worker.Validate(); err != nil {
		return triage.Worker{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	worker.Type = triage.TypeWorker
	worker.Revision = s.workers[worker.ID].Revision + 1
	s.workers[worker.ID] = worker
	return worker, nil
}

// UpdateWorker replaces the worker when worker.Revision matches the stored one.
func (s *Store) UpdateWorker(_ context.Context, worker triage.Worker) (triage.Worker, error) {
	if err := worker.Validate(); err != nil {
		return triage.Worker{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.workers[worker.ID]
	if !ok {
		return triage.Worker{}, fmt.Errorf("worker %s: %w", worker.ID, triage.ErrNotFound)
	}
	if current.Revision != worker.Revision {
		return triage.Worker{}, fmt.Errorf("worker %s: %w", worker.ID, triage.ErrConflict)
	}
	worker.Type = triage.TypeWorker
	worker.Revision++
	s.workers[worker.ID] = worker
	return worker, nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(_ context.Context, workerID string) (triage.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	if !ok {
		return triage.Worker{}, fmt.Errorf("worker %s: %w", workerID, triage.ErrNotFound)
	}
	return w, nil
}

// ListWorkers returns every worker ordered by id.
func (s *Store) ListWorkers(_ context.Context) ([]triage.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]triage.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b triage.Worker) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CreateJob stores a new unassigned job at revision 1.
func (s *Store) CreateJob(_ context.Context, job triage.Job) (triage.Job, error) {
	if err := job.Validate(); err != nil {
		return triage.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return triage.Job{}, fmt.Errorf("job %s: %w", job.ID, triage.ErrExists)
	}
	job = job.Clone()
	job.Type = triage.TypeJob
	job.Revision = 1
	if job.ProcessedBy == nil {
		job.ProcessedBy = map[string]time.Time{}
	}
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, jobID string) (triage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return triage.Job{}, fmt.Errorf("job %s: %w", jobID, triage.ErrNotFound)
	}
	return job.Clone(), nil
}

// ListUnassignedJobs returns unclaimed jobs, optionally restricted to one capability.
func (s *Store) ListUnassignedJobs(_ context.Context, capability *triage.Capability) ([]triage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []triage.Job
	for _, job := range s.jobs {
		if job.Assigned() {
			continue
		}
		if capability != nil && job.Capability != *capability {
			continue
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

// AssignJob is the compare-and-swap on the job's worker field.
func (s *Store) AssignJob(
	_ context.Context,
	jobID string,
	expectedRevision int64,
	workerID string,
) (triage.Job, error) {
	if workerID == "" {
		return triage.Job{}, fmt.Errorf("%w: worker id is required", triage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return triage.Job{}, fmt.Errorf("job %s: %w", jobID, triage.ErrNotFound)
	}
	if job.Revision != expectedRevision || job.Assigned() {
		return triage.Job{}, fmt.Errorf("job %s: %w", jobID, triage.ErrConflict)
	}
	job.Worker = workerID
	job.Revision++
	s.jobs[jobID] = job
	return job.Clone(), nil
}

// PutResult stores a run header; headers are immutable once written.
func (s *Store) PutResult(_ context.Context, header triage.ResultHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[header.ID]; exists {
		return fmt.Errorf("result %s: %w", header.ID, triage.ErrExists)
	}
	s.results[header.ID] = header
	return nil
}

// GetResult fetches a run header by id.
func (s *Store) GetResult(_ context.Context, resultID string) (triage.ResultHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.results[resultID]
	if !ok {
		return triage.ResultHeader{}, fmt.Errorf("result %s: %w", resultID, triage.ErrNotFound)
	}
	return h, nil
}

// PutFailure appends a failure detail under its parent result.
func (s *Store) PutFailure(_ context.Context, detail triage.FailureDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.failures[detail.ResultID] {
		if detail.ID != "" && existing.ID == detail.ID {
			return fmt.Errorf("failure %s: %w", detail.ID, triage.ErrExists)
		}
	}
	s.failures[detail.ResultID] = append(s.failures[detail.ResultID], detail)
	return nil
}

// ListFailures returns the details recorded for a result in arrival order.
func (s *Store) ListFailures(_ context.Context, resultID string) ([]triage.FailureDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.failures[resultID]), nil
}

// GetHistory fetches a history record by fingerprint key.
func (s *Store) GetHistory(_ context.Context, key string) (triage.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.history[key]
	if !ok {
		return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", key, triage.ErrNotFound)
	}
	return rec.Clone(), nil
}

// CreateHistory inserts a record at revision 1.
func (s *Store) CreateHistory(_ context.Context, rec triage.HistoryRecord) (triage.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.history[rec.ID]; exists {
		return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", rec.ID, triage.ErrExists)
	}
	rec = rec.Clone()
	rec.Revision = 1
	s.history[rec.ID] = rec
	return rec.Clone(), nil
}

// UpdateHistory replaces the record when rec.Revision matches the stored one.
func (s *Store) UpdateHistory(_ context.Context, rec triage.HistoryRecord) (triage.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.history[rec.ID]
	if !ok {
		return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", rec.ID, triage.ErrNotFound)
	}
	if current.Revision != rec.Revision {
		return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", rec.ID, triage.ErrConflict)
	}
	rec = rec.Clone()
	rec.Revision++
	s.history[rec.ID] = rec
	return rec.Clone(), nil
}

// ListHistory returns matching records, most recently seen first.
func (s *Store) ListHistory(_ context.Context, filter triage.HistoryFilter) ([]triage.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []triage.HistoryRecord
	for _, rec := range s.history {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b triage.HistoryRecord) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
