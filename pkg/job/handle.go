// Package job models one submission to an external scheduler and the
// polling needed to drive it to a terminal state.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"k8s.io/utils/clock"
)

// State is the lifecycle position of a submitted job.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s State) rank() int {
	if s.Terminal() {
		return 2
	}
	return int(s)
}

// Status is a state plus the scheduler's detail string (failure reason,
// raw scheduler state, exit code).
type Status struct {
	State  State
	Detail string
}

// Tracker reports the status of an external job by id. Implementations
// must be safe for concurrent use.
type Tracker interface {
	Status(ctx context.Context, id string) (Status, error)
}

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxPollInterval = time.Minute
)

// Option customizes a Handle.
type Option func(*Handle)

// WithClock injects the clock used for timestamps and poll delays.
func WithClock(clk clock.Clock) Option {
	return func(h *Handle) {
		if clk != nil {
			h.clock = clk
		}
	}
}

// WithPollInterval sets the initial and maximum delay between polls in Wait.
func WithPollInterval(initial, max time.Duration) Option {
	return func(h *Handle) {
		if initial > 0 {
			h.pollInterval = initial
		}
		if max > 0 {
			h.maxPollInterval = max
		}
		if h.maxPollInterval < h.pollInterval {
			h.maxPollInterval = h.pollInterval
		}
	}
}

// Handle tracks one external submission. State transitions are monotonic:
// Pending -> Running -> {Succeeded, Failed}.
type Handle struct {
	id      string
	item    workitem.Item
	tracker Tracker
	clock   clock.Clock

	pollInterval    time.Duration
	maxPollInterval time.Duration

	rejected bool

	mu          sync.Mutex
	status      Status
	submittedAt time.Time
	finishedAt  time.Time
	lastPollErr error
}

// Snapshot is a read-only copy of a handle's observable fields.
type Snapshot struct {
	ID          string
	Item        workitem.Item
	Status      Status
	SubmittedAt time.Time
	FinishedAt  time.Time
}

func newHandle(id string, item workitem.Item, tracker Tracker, opts []Option) *Handle {
	h := &Handle{
		id:              id,
		item:            item,
		tracker:         tracker,
		clock:           clock.RealClock{},
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
		status:          Status{State: StatePending},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.submittedAt = h.clock.Now()
	return h
}

// Submitted creates a pending handle for a job the scheduler accepted.
func Submitted(id string, item workitem.Item, tracker Tracker, opts ...Option) *Handle {
	return newHandle(id, item, tracker, opts)
}

// Attach re-attaches to a job submitted by an earlier run.
func Attach(id string, item workitem.Item, tracker Tracker, opts ...Option) *Handle {
	return newHandle(id, item, tracker, opts)
}

// Rejected creates a handle that is already failed because the submission
// itself did not go through.
func Rejected(item workitem.Item, err error, opts ...Option) *Handle {
	h := newHandle("", item, nil, opts)
	h.rejected = true
	detail := "submission rejected"
	if err != nil {
		detail = err.Error()
	}
	h.status = Status{State: StateFailed, Detail: detail}
	h.finishedAt = h.submittedAt
	return h
}

// ID returns the scheduler job id; empty for rejected submissions.
func (h *Handle) ID() string { return h.id }

// Rejected reports whether the scheduler refused the submission.
func (h *Handle) Rejected() bool { return h.rejected }

// Item returns the work item the job was launched for.
func (h *Handle) Item() workitem.Item { return h.item }

// State returns the current state without querying the scheduler.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.State
}

// SubmittedAt returns when the handle was created.
func (h *Handle) SubmittedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submittedAt
}

// FinishedAt returns when a terminal state was first observed; zero while
// the job is still active.
func (h *Handle) FinishedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finishedAt
}

// LastPollError returns the error of the most recent failed status query.
func (h *Handle) LastPollError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPollErr
}

// Snapshot returns a consistent copy of the handle fields.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ID:          h.id,
		Item:        h.item,
		Status:      h.status,
		SubmittedAt: h.submittedAt,
		FinishedAt:  h.finishedAt,
	}
}

// Poll queries the tracker once. A failed query leaves the state unchanged
// and is returned alongside the current status.
func (h *Handle) Poll(ctx context.Context) (Status, error) {
	h.mu.Lock()
	current := h.status
	h.mu.Unlock()
	if current.State.Terminal() || h.tracker == nil {
		return current, nil
	}

	reported, err := h.tracker.Status(ctx, h.id)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.lastPollErr = err
		return h.status, err
	}
	h.lastPollErr = nil
	h.advance(reported)
	return h.status, nil
}

// advance applies a reported status unless it would move backwards.
// Callers hold h.mu.
func (h *Handle) advance(reported Status) {
	if h.status.State.Terminal() || reported.State.rank() < h.status.State.rank() {
		return
	}
	h.status = reported
	if reported.State.Terminal() {
		h.finishedAt = h.clock.Now()
	}
}

// Wait polls with exponential backoff until the job is terminal. With a
// positive timeout it returns ErrTimedOut once the timeout elapses; the
// external job keeps running. Query errors are treated as transient.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (Status, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = h.clock.Now().Add(timeout)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     h.pollInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         h.maxPollInterval,
	}
	b.Reset()

	for {
		st, err := h.Poll(ctx)
		if err == nil && st.State.Terminal() {
			return st, nil
		}
		if ctx.Err() != nil {
			return st, ctx.Err()
		}

		delay := b.NextBackOff()
		if !deadline.IsZero() {
			remaining := deadline.Sub(h.clock.Now())
			if remaining <= 0 {
				return st, sdkerrors.ErrTimedOut
			}
			delay = min(delay, remaining)
		}

		timer := h.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return h.Snapshot().Status, ctx.Err()
		case <-timer.C():
		}
	}
}
