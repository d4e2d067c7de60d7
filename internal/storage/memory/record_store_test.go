package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

var linux = triage.Capability{OSName: "Linux", OSVersion: "20", CPUName: "x86"}

func TestStoreJobLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	job := triage.Job{ID: "job-1", Capability: linux, URLs: []string{"http://a"}}

	created, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Revision)
	require.Equal(t, triage.TypeJob, created.Type)
	require.NotNil(t, created.ProcessedBy)

	_, err = store.CreateJob(ctx, job)
	require.ErrorIs(t, err, triage.ErrExists)

	pending, err := store.ListUnassignedJobs(ctx, &linux)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	other := triage.Capability{OSName: "Windows", OSVersion: "10", CPUName: "x64"}
	pending, err = store.ListUnassignedJobs(ctx, &other)
	require.NoError(t, err)
	require.Empty(t, pending)

	assigned, err := store.AssignJob(ctx, "job-1", 1, "w1")
	require.NoError(t, err)
	require.Equal(t, "w1", assigned.Worker)
	require.Equal(t, int64(2), assigned.Revision)

	_, err = store.AssignJob(ctx, "job-1", 2, "w2")
	require.ErrorIs(t, err, triage.ErrConflict, "assigned jobs never change owner")

	_, err = store.AssignJob(ctx, "missing", 1, "w1")
	require.ErrorIs(t, err, triage.ErrNotFound)

	pending, err = store.ListUnassignedJobs(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, pending)

	final, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "w1", final.Worker)
}

func TestStoreAssignJobStaleRevisionConflicts(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	_, err := store.CreateJob(ctx, triage.Job{ID: "j", Capability: linux, URLs: []string{"u"}})
	require.NoError(t, err)

	_, err = store.AssignJob(ctx, "j", 7, "w1")
	require.ErrorIs(t, err, triage.ErrConflict)
}

func TestStoreAssignJobSingleWinnerUnderContention(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	_, err := store.CreateJob(ctx, triage.Job{ID: "j", Capability: linux, URLs: []string{"u"}})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if _, err := store.AssignJob(ctx, "j", 1, string(rune('a'+id))); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestStoreHistoryCompareAndSwap(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	rec := triage.HistoryRecord{ID: "history_crash:abc", Type: "history_crash", Locations: []string{"a"}}

	created, err := store.CreateHistory(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Revision)

	_, err = store.CreateHistory(ctx, rec)
	require.ErrorIs(t, err, triage.ErrExists)

	created.Locations = append(created.Locations, "b")
	updated, err := store.UpdateHistory(ctx, created)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Revision)

	_, err = store.UpdateHistory(ctx, created)
	require.ErrorIs(t, err, triage.ErrConflict, "stale revision must not overwrite")

	got, err := store.GetHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got.Locations)

	got.Locations[0] = "mutated"
	again, err := store.GetHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "a", again.Locations[0])
}

func TestStoreListHistoryFiltersAndOrders(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	for i, cpu := range []string{"x86", "arm", "x86"} {
		_, err := store.CreateHistory(ctx, triage.HistoryRecord{
			ID:   "history_crash:" + string(rune('a'+i)),
			Type: "history_crash",
			Environment: triage.Environment{
				Capability: triage.Capability{OSName: "Linux", OSVersion: "20", CPUName: cpu},
			},
			LastSeen: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	out, err := store.ListHistory(ctx, triage.HistoryFilter{CPUName: "x86"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "history_crash:c", out[0].ID)

	out, err = store.ListHistory(ctx, triage.HistoryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestStoreResultsAreImmutable(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	header := triage.ResultHeader{ID: "r1", Type: triage.ResultRun}
	require.NoError(t, store.PutResult(ctx, header))
	require.ErrorIs(t, store.PutResult(ctx, header), triage.ErrExists)

	detail := triage.FailureDetail{ID: "d1", ResultID: "r1", Type: "result_crash"}
	require.NoError(t, store.PutFailure(ctx, detail))
	require.ErrorIs(t, store.PutFailure(ctx, detail), triage.ErrExists)

	details, err := store.ListFailures(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, details, 1)
}

func TestStoreWorkersRevisionBumps(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	w := triage.Worker{ID: "w1", Capability: linux, State: triage.WorkerIdle}

	first, err := store.PutWorker(ctx, w)
	require.NoError(t, err)
	w.State = triage.WorkerBusy
	second, err := store.PutWorker(ctx, w)
	require.NoError(t, err)
	require.Equal(t, first.Revision+1, second.Revision)

	_, err = store.PutWorker(ctx, triage.Worker{ID: "bad", State: triage.WorkerIdle})
	require.ErrorIs(t, err, triage.ErrInvalidRecord)

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, triage.WorkerBusy, workers[0].State)
}

func TestStoreUpdateWorkerComparesRevision(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	_, err := store.UpdateWorker(ctx, triage.Worker{ID: "w1", Capability: linux, State: triage.WorkerIdle})
	require.ErrorIs(t, err, triage.ErrNotFound)

	listed, err := store.PutWorker(ctx, triage.Worker{ID: "w1", Capability: linux, State: triage.WorkerIdle})
	require.NoError(t, err)
	beat := listed
	beat.Heartbeat = time.Unix(1700000000, 0).UTC()
	_, err = store.PutWorker(ctx, beat)
	require.NoError(t, err)

	stale := listed
	stale.State = triage.WorkerZombie
	_, err = store.UpdateWorker(ctx, stale)
	require.ErrorIs(t, err, triage.ErrConflict)

	current, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, triage.WorkerIdle, current.State)

	current.State = triage.WorkerZombie
	updated, err := store.UpdateWorker(ctx, current)
	require.NoError(t, err)
	require.Equal(t, current.Revision+1, updated.Revision)
	require.Equal(t, triage.WorkerZombie, updated.State)
}
