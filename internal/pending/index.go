// Package pending orders unassigned jobs for the claim protocol and for
// collaborator queries.
package pending

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Index reads unassigned jobs from a JobStore and orders them.
type Index struct {
	jobs triage.JobStore
}

// New builds an Index over jobs.
func New(jobs triage.JobStore) *Index {
	return &Index{jobs: jobs}
}

// PendingJobs returns the unassigned jobs for capability, most urgent first.
// The view may lag recent claims; callers must not treat it as ownership.
func (i *Index) PendingJobs(ctx context.Context, capability triage.Capability) ([]triage.Job, error) {
	jobs, err := i.jobs.ListUnassignedJobs(ctx, &capability)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs for %s: %w", capability, err)
	}
	return Sort(filter(jobs)), nil
}

// All returns every unassigned job across capabilities, ordered the same way.
func (i *Index) All(ctx context.Context) ([]triage.Job, error) {
	jobs, err := i.jobs.ListUnassignedJobs(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return Sort(filter(jobs)), nil
}

// filter drops anything the backend returned that is already owned.
func filter(jobs []triage.Job) []triage.Job {
	return slices.DeleteFunc(jobs, triage.Job.Assigned)
}

// Compare orders jobs by priority rank, os_name, cpu_name, os_version, then
// descending url count. Creation time and id break the remaining ties.
func Compare(a, b triage.Job) int {
	return cmp.Or(
		cmp.Compare(a.Priority.Rank(), b.Priority.Rank()),
		cmp.Compare(a.OSName, b.OSName),
		cmp.Compare(a.CPUName, b.CPUName),
		cmp.Compare(a.OSVersion, b.OSVersion),
		cmp.Compare(len(b.URLs), len(a.URLs)),
		a.Created.Compare(b.Created),
		cmp.Compare(a.ID, b.ID),
	)
}

// Less reports whether a sorts before b.
func Less(a, b triage.Job) bool {
	return Compare(a, b) < 0
}

// Sort orders jobs in place and returns them.
func Sort(jobs []triage.Job) []triage.Job {
	slices.SortStableFunc(jobs, Compare)
	return jobs
}
