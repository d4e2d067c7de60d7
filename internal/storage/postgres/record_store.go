// Package postgres provides the Postgres-backed shared record store.
//
// Each record is kept as a JSONB document next to the columns the dispatch
// queries filter on. Conditional updates carry the expected revision in their
// WHERE clause; a zero row count means another writer got there first.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

//go:embed schema.sql
var schemaSQL string

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements triage.Store on Postgres.
type Store struct {
	pool   pool
	schema string
}

var _ triage.Store = (*Store)(nil)

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	schema, err := schemaName(cfg.Schema)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, schema: schema}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, schema string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := schemaName(schema)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, schema: name}, nil
}

func schemaName(schema string) (string, error) {
	if schema == "" {
		schema = "public"
	}
	if !validSchemaName.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return schema, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", s.schema)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// PutWorker upserts a worker and bumps its revision.
func (s *Store) PutWorker(ctx context.Context, worker triage.Worker) (triage.Worker, error) {
	if err := worker.Validate(); err != nil {
		return triage.Worker{}, err
	}
	worker.Type = triage.TypeWorker
	doc, err := json.Marshal(worker)
	if err != nil {
		return triage.Worker{}, fmt.Errorf("marshal worker: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, state, heartbeat, revision, doc)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	heartbeat = EXCLUDED.heartbeat,
	doc = EXCLUDED.doc,
	revision = %[1]s.revision + 1
RETURNING revision`, s.table("workers"))
	if err := s.pool.QueryRow(ctx, query, worker.ID, string(worker.State), worker.Heartbeat, doc).
		Scan(&worker.Revision); err != nil {
		return triage.Worker{}, fmt.Errorf("put worker %s: %w", worker.ID, err)
	}
	return worker, nil
}

// UpdateWorker replaces the worker when worker.Revision matches the stored one.
func (s *Store) UpdateWorker(ctx context.Context, worker triage.Worker) (triage.Worker, error) {
	if err := worker.Validate(); err != nil {
		return triage.Worker{}, err
	}
	expected := worker.Revision
	worker.Type = triage.TypeWorker
	worker.Revision = expected + 1
	doc, err := json.Marshal(worker)
	if err != nil {
		return triage.Worker{}, fmt.Errorf("marshal worker: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET state = $2, heartbeat = $3, doc = $4, revision = revision + 1
WHERE id = $1 AND revision = $5`, s.table("workers"))
	res, err := s.pool.Exec(ctx, query, worker.ID, string(worker.State), worker.Heartbeat, doc, expected)
	if err != nil {
		return triage.Worker{}, fmt.Errorf("update worker %s: %w", worker.ID, err)
	}
	if res.RowsAffected() == 0 {
		exists, err := s.exists(ctx, "workers", worker.ID)
		if err != nil {
			return triage.Worker{}, err
		}
		if !exists {
			return triage.Worker{}, fmt.Errorf("worker %s: %w", worker.ID, triage.ErrNotFound)
		}
		return triage.Worker{}, fmt.Errorf("worker %s: %w", worker.ID, triage.ErrConflict)
	}
	return worker, nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (triage.Worker, error) {
	query := fmt.Sprintf(`SELECT doc, revision FROM %s WHERE id = $1`, s.table("workers"))
	var w triage.Worker
	if err := scanDoc(s.pool.QueryRow(ctx, query, workerID), &w, &w.Revision); err != nil {
		return triage.Worker{}, fmt.Errorf("worker %s: %w", workerID, err)
	}
	return w, nil
}

// ListWorkers returns every worker ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]triage.Worker, error) {
	query := fmt.Sprintf(`SELECT doc, revision FROM %s ORDER BY id`, s.table("workers"))
	return queryDocs(ctx, s.pool, query, nil, func(w *triage.Worker) *int64 { return &w.Revision })
}

// CreateJob inserts a new unassigned job at revision 1.
func (s *Store) CreateJob(ctx context.Context, job triage.Job) (triage.Job, error) {
	if err := job.Validate(); err != nil {
		return triage.Job{}, err
	}
	job = job.Clone()
	job.Type = triage.TypeJob
	job.Worker = ""
	job.Revision = 1
	if job.ProcessedBy == nil {
		job.ProcessedBy = map[string]time.Time{}
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return triage.Job{}, fmt.Errorf("marshal job: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, worker, os_name, os_version, cpu_name, revision, doc)
VALUES ($1, NULL, $2, $3, $4, 1, $5)
ON CONFLICT (id) DO NOTHING`, s.table("jobs"))
	res, err := s.pool.Exec(ctx, query, job.ID, job.OSName, job.OSVersion, job.CPUName, doc)
	if err != nil {
		return triage.Job{}, fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if res.RowsAffected() == 0 {
		return triage.Job{}, fmt.Errorf("job %s: %w", job.ID, triage.ErrExists)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (triage.Job, error) {
	query := fmt.Sprintf(`SELECT doc, revision FROM %s WHERE id = $1`, s.table("jobs"))
	var job triage.Job
	if err := scanDoc(s.pool.QueryRow(ctx, query, jobID), &job, &job.Revision); err != nil {
		return triage.Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	return job, nil
}

// ListUnassignedJobs reads the partial index of jobs with no worker.
func (s *Store) ListUnassignedJobs(ctx context.Context, capability *triage.Capability) ([]triage.Job, error) {
	query := fmt.Sprintf(`SELECT doc, revision FROM %s WHERE worker IS NULL`, s.table("jobs"))
	var args []any
	if capability != nil {
		query += ` AND os_name = $1 AND os_version = $2 AND cpu_name = $3`
		args = []any{capability.OSName, capability.OSVersion, capability.CPUName}
	}
	return queryDocs(ctx, s.pool, query, args, func(j *triage.Job) *int64 { return &j.Revision })
}

// AssignJob sets the worker only while the row is unassigned at expectedRevision.
func (s *Store) AssignJob(
	ctx context.Context,
	jobID string,
	expectedRevision int64,
	workerID string,
) (triage.Job, error) {
	if workerID == "" {
		return triage.Job{}, fmt.Errorf("%w: worker id is required", triage.ErrInvalidRecord)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	worker = $2,
	revision = revision + 1,
	doc = jsonb_set(doc, '{worker}', to_jsonb($2::text))
WHERE id = $1 AND revision = $3 AND worker IS NULL`, s.table("jobs"))
	res, err := s.pool.Exec(ctx, query, jobID, workerID, expectedRevision)
	if err != nil {
		return triage.Job{}, fmt.Errorf("assign job %s: %w", jobID, err)
	}
	if res.RowsAffected() == 0 {
		exists, err := s.exists(ctx, "jobs", jobID)
		if err != nil {
			return triage.Job{}, err
		}
		if !exists {
			return triage.Job{}, fmt.Errorf("job %s: %w", jobID, triage.ErrNotFound)
		}
		return triage.Job{}, fmt.Errorf("job %s: %w", jobID, triage.ErrConflict)
	}
	return s.GetJob(ctx, jobID)
}

// PutResult stores an immutable run header.
func (s *Store) PutResult(ctx context.Context, header triage.ResultHeader) error {
	doc, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, s.table("results"))
	res, err := s.pool.Exec(ctx, query, header.ID, doc)
	if err != nil {
		return fmt.Errorf("put result %s: %w", header.ID, err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("result %s: %w", header.ID, triage.ErrExists)
	}
	return nil
}

// GetResult fetches a run header by id.
func (s *Store) GetResult(ctx context.Context, resultID string) (triage.ResultHeader, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.table("results"))
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, resultID).Scan(&raw); err != nil {
		return triage.ResultHeader{}, fmt.Errorf("result %s: %w", resultID, mapNoRows(err))
	}
	var h triage.ResultHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return triage.ResultHeader{}, fmt.Errorf("decode result %s: %w", resultID, err)
	}
	return h, nil
}

// PutFailure stores an immutable failure detail.
func (s *Store) PutFailure(ctx context.Context, detail triage.FailureDetail) error {
	if detail.ID == "" {
		return fmt.Errorf("%w: failure id is required", triage.ErrInvalidRecord)
	}
	doc, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, result_id, doc) VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, s.table("failures"))
	res, err := s.pool.Exec(ctx, query, detail.ID, detail.ResultID, doc)
	if err != nil {
		return fmt.Errorf("put failure %s: %w", detail.ID, err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("failure %s: %w", detail.ID, triage.ErrExists)
	}
	return nil
}

// ListFailures returns the details recorded for a result in arrival order.
func (s *Store) ListFailures(ctx context.Context, resultID string) ([]triage.FailureDetail, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE result_id = $1 ORDER BY seq`, s.table("failures"))
	rows, err := s.pool.Query(ctx, query, resultID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()
	var out []triage.FailureDetail
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		var d triage.FailureDetail
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetHistory fetches a history record by fingerprint key.
func (s *Store) GetHistory(ctx context.Context, key string) (triage.HistoryRecord, error) {
	query := fmt.Sprintf(`SELECT doc, revision FROM %s WHERE id = $1`, s.table("history"))
	var rec triage.HistoryRecord
	if err := scanDoc(s.pool.QueryRow(ctx, query, key), &rec, &rec.Revision); err != nil {
		return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", key, err)
	}
	return rec, nil
}

// CreateHistory inserts a record at revision 1.
func (s *Store) CreateHistory(ctx context.Context, rec triage.HistoryRecord) (triage.HistoryRecord, error) {
	rec = rec.Clone()
	rec.Revision = 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return triage.HistoryRecord{}, fmt.Errorf("marshal history: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, type, product, branch, buildtype, os_name, os_version, cpu_name, last_seen, revision, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
ON CONFLICT (id) DO NOTHING`, s.table("history"))
	res, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Type, rec.Product, rec.Branch, rec.BuildType,
		rec.OSName, rec.OSVersion, rec.CPUName, rec.LastSeen, doc,
	)
	if err != nil {
		return triage.HistoryRecord{}, fmt.Errorf("create history %s: %w", rec.ID, err)
	}
	if res.RowsAffected() == 0 {
		return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", rec.ID, triage.ErrExists)
	}
	return rec, nil
}

// UpdateHistory replaces the record when rec.Revision matches the stored one.
func (s *Store) UpdateHistory(ctx context.Context, rec triage.HistoryRecord) (triage.HistoryRecord, error) {
	expected := rec.Revision
	rec = rec.Clone()
	rec.Revision = expected + 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return triage.HistoryRecord{}, fmt.Errorf("marshal history: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET last_seen = $2, doc = $3, revision = revision + 1
WHERE id = $1 AND revision = $4`, s.table("history"))
	res, err := s.pool.Exec(ctx, query, rec.ID, rec.LastSeen, doc, expected)
	if err != nil {
		return triage.HistoryRecord{}, fmt.Errorf("update history %s: %w", rec.ID, err)
	}
	if res.RowsAffected() == 0 {
		exists, err := s.exists(ctx, "history", rec.ID)
		if err != nil {
			return triage.HistoryRecord{}, err
		}
		if !exists {
			return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", rec.ID, triage.ErrNotFound)
		}
		return triage.HistoryRecord{}, fmt.Errorf("history %s: %w", rec.ID, triage.ErrConflict)
	}
	return rec, nil
}

// ListHistory returns matching records, most recently seen first.
func (s *Store) ListHistory(ctx context.Context, filter triage.HistoryFilter) ([]triage.HistoryRecord, error) {
	query, args := s.historyQuery(filter)
	return queryDocs(ctx, s.pool, query, args, func(r *triage.HistoryRecord) *int64 { return &r.Revision })
}

func (s *Store) historyQuery(filter triage.HistoryFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Kind != "" {
		add("type", filter.Kind.HistoryType())
	}
	add("product", filter.Product)
	add("branch", filter.Branch)
	add("buildtype", filter.BuildType)
	add("os_name", filter.OSName)
	add("os_version", filter.OSVersion)
	add("cpu_name", filter.CPUName)

	query := fmt.Sprintf(`SELECT doc, revision FROM %s`, s.table("history"))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *Store) exists(ctx context.Context, table, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table(table))
	var ok bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("check %s %s: %w", table, id, err)
	}
	return ok, nil
}

func scanDoc(row pgx.Row, dst any, revision *int64) error {
	var raw []byte
	var rev int64
	if err := row.Scan(&raw, &rev); err != nil {
		return mapNoRows(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	*revision = rev
	return nil
}

func queryDocs[T any](ctx context.Context, p pool, query string, args []any, rev func(*T) *int64) ([]T, error) {
	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var v T
		if err := scanDoc(rows, &v, rev(&v)); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return triage.ErrNotFound
	}
	return err
}
