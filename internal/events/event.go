package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Stage names the dispatch milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageClaimWon         Stage = "claim_won"
	StageClaimLost        Stage = "claim_lost"
	StageClaimEmpty       Stage = "claim_empty"
	StageResultStored     Stage = "result_stored"
	StageDetailRejected   Stage = "detail_rejected"
	StageSignatureNew     Stage = "signature_new"
	StageSignatureUpdated Stage = "signature_updated"
	StageRetestCreated    Stage = "retest_created"
	StageRetestSkipped    Stage = "retest_skipped"
	StageWorkerZombie     Stage = "worker_zombie"
)

// Event captures one dispatch milestone.
type Event struct {
	TS       time.Time `json:"ts"`
	Stage    Stage     `json:"stage"`
	WorkerID string    `json:"worker_id,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	ResultID string    `json:"result_id,omitempty"`
	// Key is the history fingerprint key for signature events.
	Key        string             `json:"key,omitempty"`
	Kind       triage.FailureKind `json:"kind,omitempty"`
	Capability triage.Capability  `json:"capability"`
	// Attempt is the 1-based claim attempt for claim events.
	Attempt int `json:"attempt,omitempty"`
	// Note carries low-volume context such as a rejection reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageClaimWon:
		if e.JobID == "" {
			return errors.New("claim won requires job id")
		}
		fallthrough
	case StageClaimLost, StageClaimEmpty:
		if e.WorkerID == "" {
			return errors.New("claim events require worker id")
		}
	case StageResultStored, StageDetailRejected:
		if e.ResultID == "" {
			return errors.New("result events require result id")
		}
	case StageSignatureNew, StageSignatureUpdated:
		if e.Key == "" {
			return errors.New("signature events require key")
		}
	case StageRetestCreated:
		if e.JobID == "" {
			return errors.New("retest created requires job id")
		}
	case StageRetestSkipped:
	case StageWorkerZombie:
		if e.WorkerID == "" {
			return errors.New("worker zombie requires worker id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
