package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/buglink"
	"github.com/JakeFAU/crashtriage/internal/capability"
	"github.com/JakeFAU/crashtriage/internal/claim"
	"github.com/JakeFAU/crashtriage/internal/config"
	"github.com/JakeFAU/crashtriage/internal/hash/sha256"
	"github.com/JakeFAU/crashtriage/internal/history"
	"github.com/JakeFAU/crashtriage/internal/id/uuid"
	"github.com/JakeFAU/crashtriage/internal/ingest"
	"github.com/JakeFAU/crashtriage/internal/pending"
	"github.com/JakeFAU/crashtriage/internal/policy/ratelimit"
	"github.com/JakeFAU/crashtriage/internal/retest"
	"github.com/JakeFAU/crashtriage/internal/retry"
	"github.com/JakeFAU/crashtriage/internal/storage/memory"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

var (
	fixedNow = time.Date(2024, 5, 7, 9, 30, 0, 0, time.UTC)
	linux    = triage.Capability{OSName: "Linux", OSVersion: "20", CPUName: "x86"}
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

func (denyLimiter) Forget(string) {}

type testEnv struct {
	server *Server
	store  *memory.Store
}

func newTestEnv(t *testing.T, cfg config.Config, mutate ...func(*Services)) testEnv {
	t.Helper()
	store := memory.NewStore()
	ids := uuid.New()
	agg := history.New(store, sha256.New(), history.Config{}, nil, nil)
	pendingIdx := pending.New(store)
	caps := capability.New(store)
	svc := Services{
		Store:    store,
		Workers:  caps,
		Pending:  pendingIdx,
		Claimer:  claim.New(pendingIdx, store, claim.Config{MaxAttempts: 4, Timeout: time.Second}),
		Ingester: ingest.New(store, agg, nil, ids, ingest.Config{}, nil, nil),
		History:  agg,
		Filter:   buglink.NewFilter(store),
		Linker:   buglink.NewLinker(store, retry.Policy{MaxAttempts: 4}, nil),
		Retester: retest.New(caps, store, ids, retest.Config{Versions: []int{2, 3}}, nil, nil),
	}
	for _, m := range mutate {
		m(&svc)
	}
	return testEnv{
		server: NewServer(svc, ids, fakeClock{now: fixedNow}, cfg, zap.NewNop()),
		store:  store,
	}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, func(s *Services) {
		s.Ready = func(context.Context) error { return errors.New("db down") }
	})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_WorkerRegistrationAndIdleIndex(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPut, "/v1/workers/w1", map[string]string{
		"os_name": "Linux", "os_version": "20", "cpu_name": "x86", "hostname": "box-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	worker := decodeBody[triage.Worker](t, rec)
	require.Equal(t, triage.WorkerIdle, worker.State)
	require.True(t, worker.Heartbeat.Equal(fixedNow))

	rec = env.do(t, http.MethodPut, "/v1/workers/w2", map[string]string{
		"os_name": "Linux", "os_version": "20", "cpu_name": "x86", "state": "zombie",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/workers/w3", map[string]string{"os_name": "Linux"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/workers/idle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	idle := decodeBody[struct {
		Capabilities []capabilityGroup `json:"capabilities"`
	}](t, rec)
	require.Len(t, idle.Capabilities, 1)
	require.Equal(t, []string{"w1"}, idle.Capabilities[0].Workers)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/workers/missing", nil).Code)
}

func TestServer_CreatePendingAndClaim(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	for _, prio := range []any{nil, 1} {
		body := map[string]any{
			"os_name": "Linux", "os_version": "20", "cpu_name": "x86",
			"major_version": 3, "urls": []string{"http://a.test/"},
		}
		if prio != nil {
			body["priority"] = prio
		}
		rec := env.do(t, http.MethodPost, "/v1/jobs", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs/pending?os_name=Linux&os_version=20&cpu_name=x86", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		Jobs []triage.Job `json:"jobs"`
	}](t, rec)
	require.Len(t, listed.Jobs, 2)
	require.Equal(t, triage.PriorityUrgent, listed.Jobs[0].Priority)

	require.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/v1/jobs/pending?os_name=Linux", nil).Code)

	claimBody := map[string]string{"worker_id": "w1", "os_name": "Linux", "os_version": "20", "cpu_name": "x86"}
	rec = env.do(t, http.MethodPost, "/v1/jobs/claim", claimBody)
	require.Equal(t, http.StatusOK, rec.Code)
	claimed := decodeBody[triage.Job](t, rec)
	require.Equal(t, "w1", claimed.Worker)
	require.Equal(t, listed.Jobs[0].ID, claimed.ID)

	rec = env.do(t, http.MethodPost, "/v1/jobs/claim", claimBody)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/jobs/claim", claimBody)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+claimed.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ClaimRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, func(s *Services) { s.Limiter = denyLimiter{} })
	rec := env.do(t, http.MethodPost, "/v1/jobs/claim",
		map[string]string{"worker_id": "w1", "os_name": "Linux", "os_version": "20", "cpu_name": "x86"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestServer_DisabledWorkerResetsRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, func(s *Services) {
		s.Limiter = ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	})
	claimReq := map[string]string{"worker_id": "w1", "os_name": "Linux", "os_version": "20", "cpu_name": "x86"}
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/v1/jobs/claim", claimReq).Code)
	require.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/v1/jobs/claim", claimReq).Code)

	rec := env.do(t, http.MethodPut, "/v1/workers/w1",
		map[string]string{"os_name": "Linux", "os_version": "20", "cpu_name": "x86", "state": "disabled"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/v1/jobs/claim", claimReq).Code)
}

func TestServer_IngestAndTriageFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	header := triage.ResultHeader{
		ID:   "run-1",
		Type: triage.ResultRun,
		Environment: triage.Environment{
			Product: "firefox", Branch: "1.9.2", BuildType: "debug", Capability: linux,
		},
		Timestamp: fixedNow,
		WorkerID:  "w1",
	}
	batch := ingest.Batch{
		Header: header,
		Details: []triage.FailureDetail{
			{Type: "result_crash", LocationID: "loc-1", Messages: triage.Messages{CrashSignature: "nsFoo::Bar"}},
			{Type: "result_crash", LocationID: "loc-2"},
		},
	}
	rec := env.do(t, http.MethodPost, "/v1/results", batch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[ingest.Report](t, rec)
	require.Len(t, report.Stored, 1)
	require.Len(t, report.Rejected, 1)
	require.Len(t, report.Signatures, 1)
	key := report.Signatures[0].Key

	rec = env.do(t, http.MethodGet, "/v1/results/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decodeBody[ingest.Batch](t, rec)
	require.Len(t, stored.Details, 1)

	rec = env.do(t, http.MethodGet, "/v1/signatures/interesting?kind=crash", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	interesting := decodeBody[struct {
		Signatures []triage.HistoryRecord `json:"signatures"`
	}](t, rec)
	require.Len(t, interesting.Signatures, 1)

	rec = env.do(t, http.MethodPut, "/v1/history/"+key+"/bugs", triage.BugList{Open: []string{"123"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/signatures/interesting", nil)
	interesting = decodeBody[struct {
		Signatures []triage.HistoryRecord `json:"signatures"`
	}](t, rec)
	assert.Empty(t, interesting.Signatures)

	rec = env.do(t, http.MethodGet, "/v1/history/"+key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec2 := decodeBody[triage.HistoryRecord](t, rec)
	require.Equal(t, []string{"123"}, rec2.BugList.Open)

	require.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPut, "/v1/history/"+key+"/suppressed", `{}`).Code)
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPut, "/v1/history/"+key+"/suppressed", `{"suppressed":true}`).Code)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/history/history_crash:nope", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/signatures/interesting?kind=bogus", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/signatures/interesting?limit=-1", nil).Code)
}

func TestServer_RefoldResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	header := triage.ResultHeader{
		ID:   "run-7",
		Type: triage.ResultRun,
		Environment: triage.Environment{
			Product: "firefox", Branch: "1.9.2", BuildType: "debug", Capability: linux,
		},
		Timestamp: fixedNow,
		WorkerID:  "w1",
	}
	lossy := ingest.New(env.store, lostFolder{}, nil, uuid.New(), ingest.Config{}, nil, nil)
	first, err := lossy.Ingest(context.Background(), header, []triage.FailureDetail{
		{Type: "result_crash", LocationID: "loc-1", Messages: triage.Messages{CrashSignature: "nsFoo::Bar"}},
	})
	require.NoError(t, err)
	require.Len(t, first.Failed, 1)

	rec := env.do(t, http.MethodPost, "/v1/results/run-7/refold", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[ingest.Report](t, rec)
	assert.Empty(t, report.Failed)
	require.Len(t, report.Signatures, 1)
	assert.Equal(t, history.OutcomeCreated, report.Signatures[0].Outcome)

	rec = env.do(t, http.MethodGet, "/v1/history/"+report.Signatures[0].Key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"loc-1"}, decodeBody[triage.HistoryRecord](t, rec).Locations)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/results/missing/refold", nil).Code)
}

type lostFolder struct{}

func (lostFolder) Fold(context.Context, triage.FailureDetail) (history.FoldOutcome, error) {
	return history.FoldOutcome{}, triage.ErrConflict
}

func TestServer_IngestRejectsBadHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/results", ingest.Batch{Header: triage.ResultHeader{ID: "x"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/results", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Retest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.PutWorker(context.Background(), triage.Worker{ID: "w1", Capability: linux, State: triage.WorkerIdle})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/retest", map[string]any{
		"signature": "nsFoo::Bar", "urls": []string{"http://a.test/"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	report := decodeBody[retest.Report](t, rec)
	require.Len(t, report.Created, 2)

	rec = env.do(t, http.MethodPost, "/v1/retest", map[string]any{"signature": "", "urls": []string{"u"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/workers/idle", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/workers/idle?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		triage.ErrInvalidRecord:  http.StatusBadRequest,
		triage.ErrNotFound:       http.StatusNotFound,
		triage.ErrConflict:       http.StatusConflict,
		triage.ErrExists:         http.StatusConflict,
		triage.ErrNoJobAvailable: http.StatusNoContent,
		errors.New("boom"):       http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
