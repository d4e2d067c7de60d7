package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crashtriage/internal/storage/memory"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

var (
	linux = triage.Capability{OSName: "Linux", OSVersion: "20", CPUName: "x86"}
	win   = triage.Capability{OSName: "Windows NT", OSVersion: "10", CPUName: "x64"}
	mac   = triage.Capability{OSName: "Mac OS X", OSVersion: "14", CPUName: "arm"}
)

func seed(t *testing.T, workers ...triage.Worker) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for _, w := range workers {
		_, err := store.PutWorker(context.Background(), w)
		require.NoError(t, err)
	}
	return store
}

func TestIdleWorkersByCapabilityExcludesDisabledAndZombie(t *testing.T) {
	t.Parallel()

	store := seed(t,
		triage.Worker{ID: "w3", Capability: linux, State: triage.WorkerIdle},
		triage.Worker{ID: "w1", Capability: linux, State: triage.WorkerBusy},
		triage.Worker{ID: "w2", Capability: linux, State: triage.WorkerDisabled},
		triage.Worker{ID: "w4", Capability: win, State: triage.WorkerZombie},
		triage.Worker{ID: "w5", Capability: mac, State: triage.WorkerIdle},
	)

	got, err := New(store).IdleWorkersByCapability(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[triage.Capability][]string{
		linux: {"w1", "w3"},
		mac:   {"w5"},
	}, got)
}

func TestIdleWorkersByCapabilityEmpty(t *testing.T) {
	t.Parallel()

	got, err := New(memory.NewStore()).IdleWorkersByCapability(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCapabilitiesIncludesEveryState(t *testing.T) {
	t.Parallel()

	store := seed(t,
		triage.Worker{ID: "a", Capability: win, State: triage.WorkerZombie},
		triage.Worker{ID: "b", Capability: linux, State: triage.WorkerIdle},
		triage.Worker{ID: "c", Capability: linux, State: triage.WorkerBusy},
		triage.Worker{ID: "d", Capability: mac, State: triage.WorkerDisabled},
	)

	got, err := New(store).Capabilities(context.Background())
	require.NoError(t, err)
	require.Equal(t, []triage.Capability{linux, mac, win}, got)
}

func TestIndexPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	idx := New(failingWorkers{})
	_, err := idx.IdleWorkersByCapability(context.Background())
	require.Error(t, err)
	_, err = idx.Capabilities(context.Background())
	require.Error(t, err)
}

type failingWorkers struct{}

func (failingWorkers) PutWorker(context.Context, triage.Worker) (triage.Worker, error) {
	return triage.Worker{}, errors.New("down")
}

func (failingWorkers) UpdateWorker(context.Context, triage.Worker) (triage.Worker, error) {
	return triage.Worker{}, errors.New("down")
}

func (failingWorkers) GetWorker(context.Context, string) (triage.Worker, error) {
	return triage.Worker{}, errors.New("down")
}

func (failingWorkers) ListWorkers(context.Context) ([]triage.Worker, error) {
	return nil, errors.New("down")
}
