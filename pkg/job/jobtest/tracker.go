// Package jobtest provides a scriptable job.Tracker for tests.
package jobtest

import (
	"context"
	"sync"

	"github.com/wehubfusion/subtimizer/pkg/job"
)

// Tracker reports statuses set by the test. Unknown ids are pending.
type Tracker struct {
	mu       sync.Mutex
	statuses map[string]job.Status
	errs     map[string]error
	calls    map[string]int
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]job.Status),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Set records the status reported for id from now on.
func (t *Tracker) Set(id string, st job.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[id] = st
	delete(t.errs, id)
}

// Succeed marks id as succeeded.
func (t *Tracker) Succeed(id string) {
	t.Set(id, job.Status{State: job.StateSucceeded})
}

// Fail marks id as failed with detail.
func (t *Tracker) Fail(id, detail string) {
	t.Set(id, job.Status{State: job.StateFailed, Detail: detail})
}

// Error makes queries for id return err until the next Set.
func (t *Tracker) Error(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs[id] = err
}

// Calls returns how many times id was queried.
func (t *Tracker) Calls(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[id]
}

// Status implements job.Tracker.
func (t *Tracker) Status(_ context.Context, id string) (job.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[id]++
	if err := t.errs[id]; err != nil {
		return job.Status{}, err
	}
	if st, ok := t.statuses[id]; ok {
		return st, nil
	}
	return job.Status{State: job.StatePending}, nil
}
