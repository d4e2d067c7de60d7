package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/claim"
	"github.com/JakeFAU/crashtriage/internal/hash/sha256"
	"github.com/JakeFAU/crashtriage/internal/history"
	"github.com/JakeFAU/crashtriage/internal/id/uuid"
	"github.com/JakeFAU/crashtriage/internal/ingest"
	"github.com/JakeFAU/crashtriage/internal/metrics"
	"github.com/JakeFAU/crashtriage/internal/pending"
	"github.com/JakeFAU/crashtriage/internal/storage/memory"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// TestMain registers the metrics collectors, as the server does before it
// starts workers.
func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

var linux = triage.Capability{OSName: "Linux", OSVersion: "20", CPUName: "x86"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeRunner struct {
	mu   sync.Mutex
	ran  []string
	fail error
	out  ingest.Batch
}

func (r *fakeRunner) Run(_ context.Context, job triage.Job) (ingest.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, job.ID)
	if r.fail != nil {
		return ingest.Batch{}, r.fail
	}
	return r.out, nil
}

func (r *fakeRunner) runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type recordingIngester struct {
	mu      sync.Mutex
	headers []triage.ResultHeader
}

func (i *recordingIngester) Ingest(
	_ context.Context,
	header triage.ResultHeader,
	_ []triage.FailureDetail,
) (ingest.Report, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.headers = append(i.headers, header)
	return ingest.Report{ResultID: header.ID}, nil
}

func (i *recordingIngester) last() (triage.ResultHeader, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.headers) == 0 {
		return triage.ResultHeader{}, false
	}
	return i.headers[len(i.headers)-1], true
}

type emptyClaimer struct {
	mu    sync.Mutex
	calls int
}

func (c *emptyClaimer) Claim(context.Context, string, triage.Capability) (triage.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return triage.Job{}, triage.ErrNoJobAvailable
}

func (c *emptyClaimer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func crashBatch() ingest.Batch {
	return ingest.Batch{
		Header: triage.ResultHeader{
			Environment: triage.Environment{Product: "firefox", Branch: "1.9.2", BuildType: "debug"},
		},
		Details: []triage.FailureDetail{{
			Type:       triage.KindCrash.DetailType(),
			LocationID: "http://example.test/crash.html",
			Messages:   triage.Messages{Crash: "SIGSEGV", CrashSignature: "nsFoo::Bar"},
		}},
	}
}

func runWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerClaimsRunsAndIngests(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	_, err := store.CreateJob(context.Background(), triage.Job{
		ID:         "job-1",
		Capability: linux,
		URLs:       []string{"http://example.test/crash.html"},
	})
	require.NoError(t, err)

	claimer := claim.New(pending.New(store), store, claim.Config{})
	agg := history.New(store, sha256.New(), history.Config{}, nil, nil)
	ingester := ingest.New(store, agg, nil, uuid.New(), ingest.Config{}, nil, nil)
	runner := &fakeRunner{out: crashBatch()}
	clock := &fakeClock{now: time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)}

	w := New(store, claimer, runner, ingester, clock, Config{
		ID:           "w1",
		Hostname:     "box-1",
		Capability:   linux,
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	cancel, done := runWorker(t, w)

	require.Eventually(t, func() bool {
		records, err := store.ListHistory(context.Background(), triage.HistoryFilter{})
		return err == nil && len(records) == 1
	}, 2*time.Second, 5*time.Millisecond)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "w1", job.Worker)
	assert.Equal(t, []string{"job-1"}, runner.runs(), "a claimed job runs once")

	require.Eventually(t, func() bool {
		rec, err := store.GetWorker(context.Background(), "w1")
		return err == nil && rec.State == triage.WorkerIdle
	}, time.Second, 5*time.Millisecond)

	stop(t, cancel, done)

	rec, err := store.GetWorker(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, triage.WorkerDisabled, rec.State)
	assert.Equal(t, "box-1", rec.Hostname)
}

func TestWorkerFillsHeaderFromJob(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	job := triage.Job{ID: "job-2", Capability: linux, URLs: []string{"http://example.test/a.html"}}
	_, err := store.CreateJob(context.Background(), job)
	require.NoError(t, err)

	ingester := &recordingIngester{}
	w := New(store, claim.New(pending.New(store), store, claim.Config{}), &fakeRunner{out: crashBatch()}, ingester,
		nil, Config{ID: "w2", Capability: linux, PollInterval: 5 * time.Millisecond}, nil)
	cancel, done := runWorker(t, w)

	var header triage.ResultHeader
	require.Eventually(t, func() bool {
		var ok bool
		header, ok = ingester.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, triage.ResultRun, header.Type)
	assert.Equal(t, "w2", header.WorkerID)
	assert.Equal(t, "http://example.test/a.html", header.URL)
	assert.Equal(t, linux, header.Capability)
	assert.False(t, header.Timestamp.IsZero())
}

func TestFillHeaderKeepsHarnessValues(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(nil, nil, nil, nil, nil, Config{ID: "w3"}, nil)
	in := triage.ResultHeader{
		Type:        triage.ResultCrashtest,
		WorkerID:    "other",
		Timestamp:   at,
		URL:         "http://x.test/",
		Environment: triage.Environment{Capability: triage.Capability{OSName: "Mac OS X", OSVersion: "10.5", CPUName: "ppc"}},
	}
	out := w.fillHeader(in, triage.Job{Capability: linux, URLs: []string{"a", "b"}})
	assert.Equal(t, in, out)

	out = w.fillHeader(triage.ResultHeader{}, triage.Job{Capability: linux, URLs: []string{"a", "b"}})
	assert.Empty(t, out.URL, "multi-url jobs have no single url")
}

func TestWorkerHarnessFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	_, err := store.CreateJob(context.Background(), triage.Job{ID: "job-3", Capability: linux, URLs: []string{"u"}})
	require.NoError(t, err)

	runner := &fakeRunner{fail: errors.New("harness crashed")}
	ingester := &recordingIngester{}
	w := New(store, claim.New(pending.New(store), store, claim.Config{}), runner, ingester,
		nil, Config{ID: "w4", Capability: linux, PollInterval: 5 * time.Millisecond}, nil)
	cancel, done := runWorker(t, w)

	require.Eventually(t, func() bool { return len(runner.runs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		rec, err := store.GetWorker(context.Background(), "w4")
		return err == nil && rec.State == triage.WorkerIdle
	}, time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	_, ok := ingester.last()
	assert.False(t, ok, "nothing is ingested when the harness fails")
}

func TestWorkerPollsAndHeartbeats(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	claimer := &emptyClaimer{}
	w := New(store, claimer, &fakeRunner{}, &recordingIngester{}, nil, Config{
		ID:                "w5",
		Capability:        linux,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	}, nil)
	cancel, done := runWorker(t, w)

	require.Eventually(t, func() bool { return claimer.count() >= 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		rec, err := store.GetWorker(context.Background(), "w5")
		return err == nil && rec.Revision >= 3 && rec.State == triage.WorkerIdle
	}, time.Second, 5*time.Millisecond)
	stop(t, cancel, done)
}

type countingThrottle struct {
	mu    sync.Mutex
	waits int
}

func (c *countingThrottle) Wait(ctx context.Context, _ string) error {
	c.mu.Lock()
	c.waits++
	c.mu.Unlock()
	return ctx.Err()
}

func (c *countingThrottle) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

func TestWorkerWaitsOnThrottleBeforeClaim(t *testing.T) {
	t.Parallel()

	claimer := &emptyClaimer{}
	throttle := &countingThrottle{}
	w := New(memory.NewStore(), claimer, &fakeRunner{}, &recordingIngester{}, nil, Config{
		ID:           "w7",
		Capability:   linux,
		PollInterval: 5 * time.Millisecond,
	}, nil, WithThrottle(throttle))
	cancel, done := runWorker(t, w)

	require.Eventually(t, func() bool { return claimer.count() >= 2 }, time.Second, 5*time.Millisecond)
	stop(t, cancel, done)
	assert.GreaterOrEqual(t, throttle.count(), claimer.count())
}

func TestWorkerRegisterFailure(t *testing.T) {
	t.Parallel()

	w := New(memory.NewStore(), &emptyClaimer{}, nil, nil, nil, Config{ID: "w6"}, nil)
	err := w.Run(context.Background())
	require.ErrorIs(t, err, triage.ErrInvalidRecord)
}
