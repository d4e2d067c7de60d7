package api

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/capability"
	"github.com/JakeFAU/crashtriage/internal/ingest"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

const maxHistoryLimit = 1000

type workerRequest struct {
	triage.Capability
	State    triage.WorkerState `json:"state"`
	Hostname string             `json:"hostname"`
}

// putWorker registers a worker or records its heartbeat.
func (s *Server) putWorker(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.State == "" {
		req.State = triage.WorkerIdle
	}
	worker, err := s.svc.Store.PutWorker(r.Context(), triage.Worker{
		ID:         chi.URLParam(r, "worker_id"),
		Capability: req.Capability,
		State:      req.State,
		Hostname:   req.Hostname,
		Heartbeat:  s.clock.Now(),
	})
	if err != nil {
		s.fail(w, r, "failed to store worker", err)
		return
	}
	if s.svc.Limiter != nil && !worker.State.Active() {
		s.svc.Limiter.Forget(worker.ID)
	}
	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.svc.Store.GetWorker(r.Context(), chi.URLParam(r, "worker_id"))
	if err != nil {
		s.fail(w, r, "failed to fetch worker", err)
		return
	}
	s.writeJSON(w, http.StatusOK, worker)
}

type capabilityGroup struct {
	triage.Capability
	Workers []string `json:"workers"`
}

// idleWorkers serves the Capability Index as a sorted list of groups.
func (s *Server) idleWorkers(w http.ResponseWriter, r *http.Request) {
	groups, err := s.svc.Workers.IdleWorkersByCapability(r.Context())
	if err != nil {
		s.fail(w, r, "failed to list workers", err)
		return
	}
	out := make([]capabilityGroup, 0, len(groups))
	for c, ids := range groups {
		out = append(out, capabilityGroup{Capability: c, Workers: ids})
	}
	slices.SortFunc(out, func(a, b capabilityGroup) int { return capability.Compare(a.Capability, b.Capability) })
	s.writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.svc.Workers.Capabilities(r.Context())
	if err != nil {
		s.fail(w, r, "failed to list capabilities", err)
		return
	}
	if caps == nil {
		caps = []triage.Capability{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

type jobRequest struct {
	triage.Capability
	MajorVersion int             `json:"major_version"`
	URLs         []string        `json:"urls"`
	Priority     triage.Priority `json:"priority"`
	Signature    string          `json:"signature"`
}

// createJob submits a new unassigned job.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.fail(w, r, "failed to generate job id", err)
		return
	}
	job, err := s.svc.Store.CreateJob(r.Context(), triage.Job{
		ID:           id,
		Capability:   req.Capability,
		MajorVersion: req.MajorVersion,
		URLs:         req.URLs,
		Priority:     req.Priority,
		Signature:    req.Signature,
		Created:      s.clock.Now(),
	})
	if err != nil {
		s.fail(w, r, "failed to create job", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, "failed to fetch job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// pendingJobs serves the Priority Index. Either all three capability
// parameters are given or none.
func (s *Server) pendingJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := triage.Capability{
		OSName:    strings.TrimSpace(q.Get("os_name")),
		OSVersion: strings.TrimSpace(q.Get("os_version")),
		CPUName:   strings.TrimSpace(q.Get("cpu_name")),
	}
	var (
		jobs []triage.Job
		err  error
	)
	if c == (triage.Capability{}) {
		jobs, err = s.svc.Pending.All(r.Context())
	} else {
		if verr := c.Validate(); verr != nil {
			s.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		jobs, err = s.svc.Pending.PendingJobs(r.Context(), c)
	}
	if err != nil {
		s.fail(w, r, "failed to list pending jobs", err)
		return
	}
	if jobs == nil {
		jobs = []triage.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
	triage.Capability
}

// claimJob returns 200 with the claimed job or 204 when nothing was assigned.
func (s *Server) claimJob(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Limiter != nil && !s.svc.Limiter.Allow(req.WorkerID) {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "claim rate exceeded")
		return
	}
	job, err := s.svc.Claimer.Claim(r.Context(), req.WorkerID, req.Capability)
	if err != nil {
		s.fail(w, r, "failed to claim job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// ingestResults stores one run. Partial detail failures are reported in the
// body with a 200; only an unusable header fails the request.
func (s *Server) ingestResults(w http.ResponseWriter, r *http.Request) {
	var batch ingest.Batch
	if !s.decode(w, r, &batch) {
		return
	}
	report, err := s.svc.Ingester.Ingest(r.Context(), batch.Header, batch.Details)
	if err != nil {
		s.fail(w, r, "failed to ingest results", err)
		return
	}
	if len(report.Failed) > 0 {
		s.logger.Warn("ingest partially failed",
			zap.String("result_id", report.ResultID),
			zap.Int("failed", len(report.Failed)),
		)
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "result_id")
	header, err := s.svc.Store.GetResult(r.Context(), id)
	if err != nil {
		s.fail(w, r, "failed to fetch result", err)
		return
	}
	details, err := s.svc.Store.ListFailures(r.Context(), id)
	if err != nil {
		s.fail(w, r, "failed to list failures", err)
		return
	}
	if details == nil {
		details = []triage.FailureDetail{}
	}
	s.writeJSON(w, http.StatusOK, ingest.Batch{Header: header, Details: details})
}

func (s *Server) refoldResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "result_id")
	report, err := s.svc.Ingester.Refold(r.Context(), id)
	if err != nil {
		s.fail(w, r, "failed to refold result", err)
		return
	}
	if len(report.Failed) > 0 {
		s.logger.Warn("refold partially failed",
			zap.String("result_id", report.ResultID),
			zap.Int("failed", len(report.Failed)),
		)
	}
	s.writeJSON(w, http.StatusOK, report)
}

func parseHistoryFilter(r *http.Request) (triage.HistoryFilter, error) {
	q := r.URL.Query()
	f := triage.HistoryFilter{
		Product:   q.Get("product"),
		Branch:    q.Get("branch"),
		BuildType: q.Get("buildtype"),
		OSName:    q.Get("os_name"),
		OSVersion: q.Get("os_version"),
		CPUName:   q.Get("cpu_name"),
	}
	if kind := q.Get("kind"); kind != "" {
		k := triage.FailureKind(kind)
		switch k {
		case triage.KindCrash, triage.KindAssertion, triage.KindValgrind:
			f.Kind = k
		default:
			return f, fmt.Errorf("%w: unknown kind %q", triage.ErrInvalidRecord, kind)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 || limit > maxHistoryLimit {
			return f, fmt.Errorf("%w: limit must be between 0 and %d", triage.ErrInvalidRecord, maxHistoryLimit)
		}
		f.Limit = limit
	}
	return f, nil
}

// interesting lists unsuppressed signatures with no open bug.
func (s *Server) interesting(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		s.fail(w, r, "invalid filter", err)
		return
	}
	recs, err := s.svc.Filter.Interesting(r.Context(), filter)
	if err != nil {
		s.fail(w, r, "failed to list signatures", err)
		return
	}
	if recs == nil {
		recs = []triage.HistoryRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"signatures": recs})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.History.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, "failed to fetch history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) putBugs(w http.ResponseWriter, r *http.Request) {
	var req triage.BugList
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.svc.Linker.SetBugs(r.Context(), chi.URLParam(r, "key"), req.Open, req.Closed)
	if err != nil {
		s.fail(w, r, "failed to link bugs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type suppressRequest struct {
	Suppressed *bool `json:"suppressed"`
}

func (s *Server) putSuppressed(w http.ResponseWriter, r *http.Request) {
	var req suppressRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Suppressed == nil {
		s.writeError(w, http.StatusBadRequest, "suppressed is required")
		return
	}
	rec, err := s.svc.Linker.SetSuppressed(r.Context(), chi.URLParam(r, "key"), *req.Suppressed)
	if err != nil {
		s.fail(w, r, "failed to update suppression", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type retestRequest struct {
	Signature string   `json:"signature"`
	URLs      []string `json:"urls"`
}

func (s *Server) retest(w http.ResponseWriter, r *http.Request) {
	var req retestRequest
	if !s.decode(w, r, &req) {
		return
	}
	report, err := s.svc.Retester.Retest(r.Context(), req.Signature, req.URLs)
	if err != nil {
		s.fail(w, r, "failed to create retest jobs", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, report)
}
