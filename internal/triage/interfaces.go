package triage

import (
	"context"
	"io"
	"time"
)

// WorkerStore persists worker records.
type WorkerStore interface {
	PutWorker(ctx context.Context, worker Worker) (Worker, error)
	// UpdateWorker writes worker only if the stored revision equals
	// worker.Revision; otherwise it returns ErrConflict.
	UpdateWorker(ctx context.Context, worker Worker) (Worker, error)
	GetWorker(ctx context.Context, workerID string) (Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)
}

// JobStore persists jobs. ListUnassignedJobs reads a secondary index and may
// lag behind recent writes; AssignJob is the only authority on ownership.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListUnassignedJobs(ctx context.Context, capability *Capability) ([]Job, error)
	// AssignJob sets the worker only if the stored revision equals
	// expectedRevision and no worker is set; otherwise it returns ErrConflict.
	AssignJob(ctx context.Context, jobID string, expectedRevision int64, workerID string) (Job, error)
}

// ResultStore persists immutable run headers and failure details.
type ResultStore interface {
	PutResult(ctx context.Context, header ResultHeader) error
	GetResult(ctx context.Context, resultID string) (ResultHeader, error)
	PutFailure(ctx context.Context, detail FailureDetail) error
	ListFailures(ctx context.Context, resultID string) ([]FailureDetail, error)
}

// HistoryStore persists aggregated history records keyed by fingerprint.
type HistoryStore interface {
	GetHistory(ctx context.Context, key string) (HistoryRecord, error)
	// CreateHistory returns ErrExists when the key is already taken.
	CreateHistory(ctx context.Context, rec HistoryRecord) (HistoryRecord, error)
	// UpdateHistory writes rec only if the stored revision equals rec.Revision.
	UpdateHistory(ctx context.Context, rec HistoryRecord) (HistoryRecord, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error)
}

// Store is the shared record store every worker and service coordinates through.
type Store interface {
	WorkerStore
	JobStore
	ResultStore
	HistoryStore
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprint keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
