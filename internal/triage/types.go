// Package triage defines the records, sentinel errors, and storage contracts
// shared by the dispatch and failure-aggregation components.
package triage

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Record type discriminators persisted in the "type" field.
const (
	TypeWorker = "worker"
	TypeJob    = "signature"
)

// Capability describes what a worker can test or what a job requires.
type Capability struct {
	OSName    string `json:"os_name"`
	OSVersion string `json:"os_version"`
	CPUName   string `json:"cpu_name"`
}

// String renders the tuple as os_name/os_version/cpu_name.
func (c Capability) String() string {
	return c.OSName + "/" + c.OSVersion + "/" + c.CPUName
}

// Validate requires every element of the tuple.
func (c Capability) Validate() error {
	var missing []string
	if strings.TrimSpace(c.OSName) == "" {
		missing = append(missing, "os_name")
	}
	if strings.TrimSpace(c.OSVersion) == "" {
		missing = append(missing, "os_version")
	}
	if strings.TrimSpace(c.CPUName) == "" {
		missing = append(missing, "cpu_name")
	}
	if len(missing) > 0 {
		return invalid("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// WorkerState is the lifecycle state reported by a worker process.
type WorkerState string

// Worker lifecycle states.
const (
	WorkerIdle     WorkerState = "idle"
	WorkerBusy     WorkerState = "busy"
	WorkerDisabled WorkerState = "disabled"
	WorkerZombie   WorkerState = "zombie"
)

// Valid reports whether s is a known state.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerDisabled, WorkerZombie:
		return true
	default:
		return false
	}
}

// Active is false for disabled and zombie workers.
func (s WorkerState) Active() bool {
	return s == WorkerIdle || s == WorkerBusy
}

// Worker is the record a worker process keeps current through heartbeats.
type Worker struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Capability
	State     WorkerState `json:"state"`
	Hostname  string      `json:"hostname,omitempty"`
	Heartbeat time.Time   `json:"datetime"`
	Revision  int64       `json:"revision"`
}

// Validate checks identity, capability, and state.
func (w Worker) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return invalid("worker id is required")
	}
	if err := w.Capability.Validate(); err != nil {
		return fmt.Errorf("worker %s: %w", w.ID, err)
	}
	if !w.State.Valid() {
		return invalid("worker %s: unknown state %q", w.ID, w.State)
	}
	return nil
}

// BugList holds bug-tracker ids linked to a signature.
type BugList struct {
	Open   []string `json:"open"`
	Closed []string `json:"closed"`
}

// Clone returns a deep copy; nil stays nil.
func (b *BugList) Clone() *BugList {
	if b == nil {
		return nil
	}
	return &BugList{Open: slices.Clone(b.Open), Closed: slices.Clone(b.Closed)}
}

// Job is a unit of pending work: a set of URLs to test on one capability and
// product version. The Worker field moves from empty to a worker id exactly once.
type Job struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Capability
	MajorVersion int                  `json:"major_version"`
	URLs         []string             `json:"urls"`
	Priority     Priority             `json:"priority,omitempty"`
	Worker       string               `json:"worker,omitempty"`
	Signature    string               `json:"signature,omitempty"`
	BugList      *BugList             `json:"bug_list,omitempty"`
	Created      time.Time            `json:"date"`
	ProcessedBy  map[string]time.Time `json:"processed_by"`
	Revision     int64                `json:"revision"`
}

// Assigned reports whether a worker has claimed the job.
func (j Job) Assigned() bool {
	return j.Worker != ""
}

// Validate checks the fields required to dispatch the job.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return invalid("job id is required")
	}
	if err := j.Capability.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	if len(j.URLs) == 0 {
		return invalid("job %s: at least one url is required", j.ID)
	}
	if j.MajorVersion < 0 {
		return invalid("job %s: major_version must be >= 0", j.ID)
	}
	return nil
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (j Job) Clone() Job {
	cp := j
	cp.URLs = slices.Clone(j.URLs)
	cp.BugList = j.BugList.Clone()
	if j.ProcessedBy != nil {
		cp.ProcessedBy = make(map[string]time.Time, len(j.ProcessedBy))
		for k, v := range j.ProcessedBy {
			cp.ProcessedBy[k] = v
		}
	}
	return cp
}

// Environment identifies the build and platform a result was produced on.
type Environment struct {
	Product   string `json:"product"`
	Branch    string `json:"branch"`
	BuildType string `json:"buildtype"`
	Capability
}

// Validate requires product, branch, buildtype, and the capability tuple.
func (e Environment) Validate() error {
	var missing []string
	if strings.TrimSpace(e.Product) == "" {
		missing = append(missing, "product")
	}
	if strings.TrimSpace(e.Branch) == "" {
		missing = append(missing, "branch")
	}
	if strings.TrimSpace(e.BuildType) == "" {
		missing = append(missing, "buildtype")
	}
	if len(missing) > 0 {
		return invalid("missing %s", strings.Join(missing, ", "))
	}
	return e.Capability.Validate()
}

// ResultType discriminates run headers.
type ResultType string

// Known run header types.
const (
	ResultRun       ResultType = "result"
	ResultCrashtest ResultType = "result_header_crashtest"
	ResultUnittest  ResultType = "result_header_unittest"
)

// Valid reports whether t is a known header type.
func (t ResultType) Valid() bool {
	switch t {
	case ResultRun, ResultCrashtest, ResultUnittest:
		return true
	default:
		return false
	}
}

// ResultHeader describes one test run.
type ResultHeader struct {
	ID   string     `json:"id"`
	Type ResultType `json:"type"`
	Environment
	Timestamp  time.Time `json:"datetime"`
	URL        string    `json:"url,omitempty"`
	WorkerID   string    `json:"worker_id"`
	Reproduced bool      `json:"reproduced"`
	ExitStatus string    `json:"exitstatus,omitempty"`
}

// Validate checks the header's identity, type, environment, and timestamp.
func (h ResultHeader) Validate() error {
	if strings.TrimSpace(h.ID) == "" {
		return invalid("result id is required")
	}
	if !h.Type.Valid() {
		return invalid("result %s: unknown type %q", h.ID, h.Type)
	}
	if err := h.Environment.Validate(); err != nil {
		return fmt.Errorf("result %s: %w", h.ID, err)
	}
	if h.Timestamp.IsZero() {
		return invalid("result %s: datetime is required", h.ID)
	}
	return nil
}
