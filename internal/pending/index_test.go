package pending

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crashtriage/internal/storage/memory"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

var linux = triage.Capability{OSName: "Linux", OSVersion: "20", CPUName: "x86"}

func job(id string, priority triage.Priority, urls int) triage.Job {
	j := triage.Job{ID: id, Capability: linux, Priority: priority, Created: time.Unix(1700000000, 0)}
	for i := 0; i < urls; i++ {
		j.URLs = append(j.URLs, "http://example.test/"+id)
	}
	return j
}

func TestCompareOrdersByPriorityThenURLCount(t *testing.T) {
	t.Parallel()

	jobs := []triage.Job{
		job("unset", triage.PriorityUnset, 9),
		job("p5-small", 5, 1),
		job("p5-big", 5, 4),
		job("p1", triage.PriorityUrgent, 1),
	}
	Sort(jobs)

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"p1", "p5-big", "p5-small", "unset"}, ids)
}

func TestCompareUsesCapabilityFieldsInOrder(t *testing.T) {
	t.Parallel()

	a := job("a", 1, 1)
	b := job("b", 1, 1)
	b.OSName = "Windows NT"
	assert.True(t, Less(a, b))

	c := job("c", 1, 1)
	c.CPUName = "x86_64"
	c.OSVersion = "10"
	assert.True(t, Less(a, c), "cpu_name outranks os_version")

	d := job("d", 1, 1)
	d.OSVersion = "22"
	assert.True(t, Less(a, d))
}

func TestCompareBreaksTiesDeterministically(t *testing.T) {
	t.Parallel()

	older := job("z", 1, 1)
	newer := job("a", 1, 1)
	newer.Created = older.Created.Add(time.Second)
	assert.True(t, Less(older, newer))

	same1 := job("a", 1, 1)
	same2 := job("b", 1, 1)
	assert.True(t, Less(same1, same2))
	assert.False(t, Less(same1, same1))
}

func TestPendingJobsFiltersCapabilityAndAssignment(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	win := triage.Capability{OSName: "Windows NT", OSVersion: "10", CPUName: "x64"}

	for _, j := range []triage.Job{job("b", 2, 1), job("a", 1, 1), job("taken", 1, 3)} {
		_, err := store.CreateJob(ctx, j)
		require.NoError(t, err)
	}
	other := job("w", 1, 1)
	other.Capability = win
	_, err := store.CreateJob(ctx, other)
	require.NoError(t, err)
	_, err = store.AssignJob(ctx, "taken", 1, "w9")
	require.NoError(t, err)

	idx := New(store)
	got, err := idx.PendingJobs(ctx, linux)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	all, err := idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "w", all[1].ID)
}

func TestPendingJobsEmpty(t *testing.T) {
	t.Parallel()

	got, err := New(memory.NewStore()).PendingJobs(context.Background(), linux)
	require.NoError(t, err)
	assert.Empty(t, got)
}
