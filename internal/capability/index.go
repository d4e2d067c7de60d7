// Package capability answers which workers can take work for each
// (os_name, os_version, cpu_name) tuple. Views are rebuilt from the worker
// collection on every call and never cached.
package capability

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Index derives capability views from a worker store.
type Index struct {
	workers triage.WorkerStore
}

// New builds an Index over workers.
func New(workers triage.WorkerStore) *Index {
	return &Index{workers: workers}
}

// IdleWorkersByCapability groups the ids of every worker that is neither
// disabled nor zombie by its capability tuple. Ids are sorted.
func (i *Index) IdleWorkersByCapability(ctx context.Context) (map[triage.Capability][]string, error) {
	workers, err := i.workers.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make(map[triage.Capability][]string)
	for _, w := range workers {
		if !w.State.Active() {
			continue
		}
		out[w.Capability] = append(out[w.Capability], w.ID)
	}
	for c := range out {
		slices.Sort(out[c])
	}
	return out, nil
}

// Capabilities returns every distinct tuple present in the worker collection,
// regardless of state, sorted by os_name, os_version, then cpu_name.
func (i *Index) Capabilities(ctx context.Context) ([]triage.Capability, error) {
	workers, err := i.workers.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	seen := make(map[triage.Capability]struct{}, len(workers))
	var out []triage.Capability
	for _, w := range workers {
		if _, ok := seen[w.Capability]; ok {
			continue
		}
		seen[w.Capability] = struct{}{}
		out = append(out, w.Capability)
	}
	slices.SortFunc(out, Compare)
	return out, nil
}

// Compare orders capabilities by os_name, os_version, then cpu_name.
func Compare(a, b triage.Capability) int {
	return cmp.Or(
		cmp.Compare(a.OSName, b.OSName),
		cmp.Compare(a.OSVersion, b.OSVersion),
		cmp.Compare(a.CPUName, b.CPUName),
	)
}
