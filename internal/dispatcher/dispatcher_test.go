// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingWorker struct {
	id      string
	started chan struct{}
}

func (w *blockingWorker) ID() string { return w.id }

func (w *blockingWorker) Run(ctx context.Context) error {
	w.started <- struct{}{}
	<-ctx.Done()
	return nil
}

type failingWorker struct{ err error }

func (failingWorker) ID() string { return "bad" }

func (w failingWorker) Run(context.Context) error { return w.err }

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 3)
	workers := make([]Runnable, 0, 3)
	for i := range 3 {
		workers = append(workers, &blockingWorker{id: fmt.Sprintf("w%d", i), started: started})
	}
	dispatch := New(workers, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatch.Run(ctx) }()

	for range 3 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherWorkerFailureStopsPool verifies one failed worker cancels the rest.
func TestDispatcherWorkerFailureStopsPool(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	boom := errors.New("boom")
	dispatch := New([]Runnable{&blockingWorker{id: "ok", started: started}, failingWorker{err: boom}}, nil)

	done := make(chan error, 1)
	go func() { done <- dispatch.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
		require.ErrorContains(t, err, "worker bad")
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after worker failure")
	}
}

func TestDispatcherRequiresWorkers(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil).Run(context.Background()))
}
