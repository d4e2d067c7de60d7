// Package ingest stores a test run's header and failure details, folds each
// accepted detail into history, and optionally archives the raw batch.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/clock/system"
	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/history"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Folder merges a stored detail into its history record.
type Folder interface {
	Fold(ctx context.Context, detail triage.FailureDetail) (history.FoldOutcome, error)
}

// Config controls the raw archive. An empty ContentType means application/json.
type Config struct {
	ArchivePrefix string
	ContentType   string
}

// Rejection explains why one detail of a batch was not stored or folded.
type Rejection struct {
	Index  int    `json:"index"`
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason"`
}

// Signature reports the history record a detail was folded into.
type Signature struct {
	DetailID string          `json:"detail_id"`
	Key      string          `json:"key"`
	Outcome  history.Outcome `json:"outcome"`
}

// Report summarizes one ingestion. Partial success is normal.
type Report struct {
	ResultID   string      `json:"result_id"`
	Stored     []string    `json:"stored"`
	Rejected   []Rejection `json:"rejected"`
	Failed     []Rejection `json:"failed"`
	Signatures []Signature `json:"signatures"`
	Archive    string      `json:"archive,omitempty"`
}

// Batch is the archived form of an ingestion request.
type Batch struct {
	Header  triage.ResultHeader    `json:"header"`
	Details []triage.FailureDetail `json:"details"`
}

// Ingester runs result ingestion.
type Ingester struct {
	results triage.ResultStore
	folder  Folder
	archive triage.BlobStore
	ids     triage.IDGenerator
	cfg     Config
	emitter events.Emitter
	clock   triage.Clock
	logger  *zap.Logger
}

// New builds an Ingester. archive may be nil to disable archiving.
func New(
	results triage.ResultStore,
	folder Folder,
	archive triage.BlobStore,
	ids triage.IDGenerator,
	cfg Config,
	emitter events.Emitter,
	logger *zap.Logger,
) *Ingester {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		results: results,
		folder:  folder,
		archive: archive,
		ids:     ids,
		cfg:     cfg,
		emitter: events.OrDiscard(emitter),
		clock:   system.New(),
		logger:  logger,
	}
}

// Ingest validates and stores header, then stores and folds each valid detail.
// An invalid header stores nothing and returns an error wrapping
// triage.ErrInvalidRecord. Invalid details are reported and skipped.
func (in *Ingester) Ingest(
	ctx context.Context,
	header triage.ResultHeader,
	details []triage.FailureDetail,
) (Report, error) {
	if strings.TrimSpace(header.ID) == "" {
		id, err := in.ids.NewID()
		if err != nil {
			return Report{}, fmt.Errorf("result id: %w", err)
		}
		header.ID = id
	}
	if err := header.Validate(); err != nil {
		return Report{}, err
	}
	if err := in.results.PutResult(ctx, header); err != nil {
		return Report{}, fmt.Errorf("store result %s: %w", header.ID, err)
	}
	in.emit(events.Event{Stage: events.StageResultStored, ResultID: header.ID, WorkerID: header.WorkerID})

	logger := in.logger.With(zap.String("result_id", header.ID))
	report := Report{ResultID: header.ID}
	accepted := make([]triage.FailureDetail, 0, len(details))
	for i, raw := range details {
		d, err := in.prepare(header, raw)
		if err != nil {
			logger.Warn("failure detail rejected", zap.Int("index", i), zap.String("type", raw.Type), zap.Error(err))
			report.Rejected = append(report.Rejected, Rejection{Index: i, Type: raw.Type, Reason: err.Error()})
			in.emit(events.Event{Stage: events.StageDetailRejected, ResultID: header.ID, Note: err.Error()})
			continue
		}
		if err := in.results.PutFailure(ctx, d); err != nil {
			logger.Error("store failure detail", zap.Int("index", i), zap.Error(err))
			report.Failed = append(report.Failed, Rejection{Index: i, Type: d.Type, Reason: err.Error()})
			continue
		}
		report.Stored = append(report.Stored, d.ID)
		accepted = append(accepted, d)

		outcome, err := in.folder.Fold(ctx, d)
		if err != nil {
			logger.Error("fold failure detail", zap.String("detail_id", d.ID), zap.Error(err))
			report.Failed = append(report.Failed, Rejection{Index: i, Type: d.Type, Reason: err.Error()})
			continue
		}
		report.Signatures = append(report.Signatures, Signature{DetailID: d.ID, Key: outcome.Key, Outcome: outcome.Outcome})
	}

	if in.archive != nil {
		uri, err := in.store(ctx, Batch{Header: header, Details: accepted})
		if err != nil {
			logger.Warn("archive result batch", zap.Error(err))
		} else {
			report.Archive = uri
		}
	}
	logger.Info("result ingested",
		zap.Int("stored", len(report.Stored)),
		zap.Int("rejected", len(report.Rejected)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// Refold folds every stored detail of resultID into history again. Folding is
// idempotent, so details already reflected in their record write nothing;
// details whose earlier fold gave up are merged now. Indexes in the report
// refer to arrival order.
func (in *Ingester) Refold(ctx context.Context, resultID string) (Report, error) {
	if _, err := in.results.GetResult(ctx, resultID); err != nil {
		return Report{}, fmt.Errorf("refold result %s: %w", resultID, err)
	}
	details, err := in.results.ListFailures(ctx, resultID)
	if err != nil {
		return Report{}, fmt.Errorf("refold list failures %s: %w", resultID, err)
	}

	logger := in.logger.With(zap.String("result_id", resultID))
	report := Report{ResultID: resultID}
	for i, d := range details {
		outcome, err := in.folder.Fold(ctx, d)
		if err != nil {
			logger.Error("refold failure detail", zap.String("detail_id", d.ID), zap.Error(err))
			report.Failed = append(report.Failed, Rejection{Index: i, Type: d.Type, Reason: err.Error()})
			continue
		}
		report.Stored = append(report.Stored, d.ID)
		report.Signatures = append(report.Signatures, Signature{DetailID: d.ID, Key: outcome.Key, Outcome: outcome.Outcome})
	}
	logger.Info("result refolded",
		zap.Int("details", len(details)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// prepare fills defaults from the header and validates the detail.
func (in *Ingester) prepare(header triage.ResultHeader, d triage.FailureDetail) (triage.FailureDetail, error) {
	switch d.ResultID {
	case "":
		d.ResultID = header.ID
	case header.ID:
	default:
		return triage.FailureDetail{}, fmt.Errorf("%w: result_id %q does not match header %q",
			triage.ErrInvalidRecord, d.ResultID, header.ID)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = header.Timestamp
	}
	if d.Environment == (triage.Environment{}) {
		d.Environment = header.Environment
	}
	if err := d.Validate(); err != nil {
		return triage.FailureDetail{}, err
	}
	if d.ID == "" {
		id, err := in.ids.NewID()
		if err != nil {
			return triage.FailureDetail{}, fmt.Errorf("detail id: %w", err)
		}
		d.ID = id
	}
	return d, nil
}

func (in *Ingester) store(ctx context.Context, batch Batch) (string, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	uri, err := in.archive.PutObject(ctx, ArchivePath(in.cfg.ArchivePrefix, batch.Header), in.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put archive object: %w", err)
	}
	return uri, nil
}

// ArchivePath is <prefix>/<yyyy>/<mm>/<dd>/<result id>.json, dated by the
// header timestamp in UTC.
func ArchivePath(prefix string, header triage.ResultHeader) string {
	ts := header.Timestamp.UTC()
	name := fmt.Sprintf("%04d/%02d/%02d/%s.json", ts.Year(), int(ts.Month()), ts.Day(), header.ID)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (in *Ingester) emit(evt events.Event) {
	evt.TS = in.clock.Now()
	in.emitter.Emit(evt)
}
