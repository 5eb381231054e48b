// Package dispatch runs stage launches under a fixed number of slots.
//
// A Dispatcher owns N slots. Submit launches an item immediately when a
// slot is free and queues it (FIFO) otherwise. Each occupied slot has a
// watcher goroutine that polls the job handle until it is terminal and
// reports an Outcome on a buffered completion channel. DrainOne frees the
// slot of the next completed job and admits the queue head in the same
// step, so no more than N non-terminal handles are ever owned.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wehubfusion/subtimizer/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var (
	// ErrIdle is returned by DrainOne when nothing is in flight.
	ErrIdle = errors.New("dispatcher idle")
	// ErrHalted is returned by Submit after Halt or cancellation.
	ErrHalted = errors.New("dispatcher halted")
	// ErrDuplicate is returned when an item is already queued or in flight.
	ErrDuplicate = errors.New("item already submitted")
)

// Launcher starts the external work for one item. It must be safe to call
// concurrently for distinct items and must not block beyond the submission.
type Launcher interface {
	Launch(ctx context.Context, item workitem.Item) *job.Handle
}

// LaunchFunc adapts a function to the Launcher interface.
type LaunchFunc func(ctx context.Context, item workitem.Item) *job.Handle

// Launch calls f.
func (f LaunchFunc) Launch(ctx context.Context, item workitem.Item) *job.Handle {
	return f(ctx, item)
}

// Outcome reports one freed slot. Cancelled is set when the run context
// ended before the job reached a terminal state; the external job may
// still be running.
type Outcome struct {
	Seq       int
	Handle    *job.Handle
	Status    job.Status
	Cancelled bool
}

// Observer receives slot accounting updates.
type Observer interface {
	SlotsChanged(inFlight, queued int)
	WaitTimedOut(item workitem.Item)
}

type noopObserver struct{}

func (noopObserver) SlotsChanged(int, int)       {}
func (noopObserver) WaitTimedOut(workitem.Item) {}

type request struct {
	seq      int
	ctx      context.Context
	launcher Launcher
	item     workitem.Item
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithWaitTimeout bounds each Wait call; a timed-out job keeps its slot
// and is polled again rather than resubmitted.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.waitTimeout = timeout }
}

// WithBreaker pauses admissions while the breaker is open.
func WithBreaker(cb *concurrency.CircuitBreaker) Option {
	return func(d *Dispatcher) { d.breaker = cb }
}

// WithClock sets the clock used while waiting on an open breaker.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) {
		if clk != nil {
			d.clock = clk
		}
	}
}

// WithObserver registers slot accounting hooks.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// Dispatcher bounds the number of concurrently in-flight jobs.
type Dispatcher struct {
	limiter     *concurrency.Limiter
	breaker     *concurrency.CircuitBreaker
	clock       clock.Clock
	logger      *zap.Logger
	observer    Observer
	waitTimeout time.Duration

	done chan Outcome

	mu        sync.Mutex
	queue     []request
	active    map[int]struct{}
	ready     []Outcome
	nextSeq   int
	halted    bool
	discarded []workitem.Item
}

// New creates a Dispatcher with the given number of slots.
func New(capacity int, opts ...Option) (*Dispatcher, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("dispatcher capacity must be at least 1, got %d", capacity)
	}
	d := &Dispatcher{
		limiter:  concurrency.NewLimiter(capacity),
		clock:    clock.RealClock{},
		logger:   zap.NewNop(),
		observer: noopObserver{},
		done:     make(chan Outcome, capacity),
		active:   make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Capacity returns the number of slots.
func (d *Dispatcher) Capacity() int {
	return d.limiter.Capacity()
}

// InFlight returns the number of occupied slots.
func (d *Dispatcher) InFlight() int {
	return int(d.limiter.CurrentActive())
}

// Queued returns the number of requests waiting for a slot.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// PeakInFlight returns the highest number of simultaneously occupied slots.
func (d *Dispatcher) PeakInFlight() int {
	return int(d.limiter.GetMetrics().PeakConcurrent)
}

// Discarded returns items that were queued but never launched because the
// dispatcher was halted or their context ended.
func (d *Dispatcher) Discarded() []workitem.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]workitem.Item, len(d.discarded))
	copy(out, d.discarded)
	return out
}

// Submit launches item now if a slot is free and nothing is queued ahead
// of it; otherwise it queues the request.
func (d *Dispatcher) Submit(ctx context.Context, launcher Launcher, item workitem.Item) error {
	d.mu.Lock()
	if d.halted || ctx.Err() != nil {
		d.discarded = append(d.discarded, item)
		d.mu.Unlock()
		return ErrHalted
	}
	if _, dup := d.active[item.Index]; dup {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, item)
	}
	d.active[item.Index] = struct{}{}
	req := request{seq: d.nextSeq, ctx: ctx, launcher: launcher, item: item}
	d.nextSeq++

	if len(d.queue) == 0 && d.limiter.TryAcquire() {
		d.mu.Unlock()
		d.launch(req)
		return nil
	}
	d.queue = append(d.queue, req)
	queued := len(d.queue)
	d.mu.Unlock()

	d.logger.Debug("All slots busy, queued item",
		zap.String("item", item.Name),
		zap.Int("index", item.Index),
		zap.Int("queued", queued))
	d.observer.SlotsChanged(d.InFlight(), queued)
	return nil
}

// DrainOne blocks until an in-flight job reaches a terminal state (or its
// run is cancelled), frees that slot and admits the next queued request.
// When several jobs have completed, the earliest submitted is reported
// first.
func (d *Dispatcher) DrainOne(ctx context.Context) (Outcome, error) {
	d.mu.Lock()
	haveReady := len(d.ready) > 0
	d.mu.Unlock()

	if !haveReady {
		if d.InFlight() == 0 {
			return Outcome{}, ErrIdle
		}
		select {
		case o := <-d.done:
			d.mu.Lock()
			d.ready = append(d.ready, o)
			d.mu.Unlock()
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}

	d.mu.Lock()
	d.collectReadyLocked()
	o := d.ready[0]
	d.ready = d.ready[1:]
	next := d.releaseLocked(o)
	queued := len(d.queue)
	d.mu.Unlock()

	if next != nil {
		d.launch(*next)
	}
	d.observer.SlotsChanged(d.InFlight(), queued)
	return o, nil
}

// DrainAll drains until nothing is in flight or queued.
func (d *Dispatcher) DrainAll(ctx context.Context) ([]Outcome, error) {
	var outcomes []Outcome
	for {
		o, err := d.DrainOne(ctx)
		if errors.Is(err, ErrIdle) {
			return outcomes, nil
		}
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, o)
	}
}

// Halt stops admissions. Queued requests are discarded; in-flight jobs
// keep their slots until drained.
func (d *Dispatcher) Halt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return
	}
	d.halted = true
	for _, req := range d.queue {
		d.discardLocked(req)
	}
	d.queue = nil
}

// collectReadyLocked moves every already-available completion into the
// ready list and orders it by submission sequence.
func (d *Dispatcher) collectReadyLocked() {
	for drained := false; !drained; {
		select {
		case o := <-d.done:
			d.ready = append(d.ready, o)
		default:
			drained = true
		}
	}
	sort.Slice(d.ready, func(i, j int) bool { return d.ready[i].Seq < d.ready[j].Seq })
}

// releaseLocked frees the slot of o and reserves it for the next request,
// which the caller launches after unlocking.
func (d *Dispatcher) releaseLocked(o Outcome) *request {
	delete(d.active, o.Handle.Item().Index)
	d.limiter.Release()
	return d.admitLocked()
}

// admitLocked reserves a free slot for the first live queued request.
func (d *Dispatcher) admitLocked() *request {
	for len(d.queue) > 0 && !d.halted {
		head := d.queue[0]
		if head.ctx.Err() != nil {
			d.queue = d.queue[1:]
			d.discardLocked(head)
			continue
		}
		if !d.limiter.TryAcquire() {
			return nil
		}
		d.queue = d.queue[1:]
		return &head
	}
	return nil
}

func (d *Dispatcher) discardLocked(req request) {
	delete(d.active, req.item.Index)
	d.discarded = append(d.discarded, req.item)
}

// launch invokes the launcher for a request holding a reserved slot and
// starts its watcher.
func (d *Dispatcher) launch(req request) {
	d.waitForBreaker(req.ctx)
	if req.ctx.Err() != nil {
		d.mu.Lock()
		d.discardLocked(req)
		d.limiter.Release()
		next := d.admitLocked()
		queued := len(d.queue)
		d.mu.Unlock()

		d.logger.Info("Run cancelled during submission pause, item not launched",
			zap.String("item", req.item.Name),
			zap.Int("index", req.item.Index))
		d.observer.SlotsChanged(d.InFlight(), queued)
		if next != nil {
			d.launch(*next)
		}
		return
	}

	h := req.launcher.Launch(req.ctx, req.item)
	if h == nil {
		h = job.Rejected(req.item, sdkerrors.NewSubmissionError(req.item.Name, errors.New("launcher returned no handle")))
	}

	if d.breaker != nil {
		if h.Rejected() {
			d.breaker.RecordFailure()
		} else {
			d.breaker.RecordSuccess()
		}
	}

	if h.Rejected() {
		d.logger.Warn("Submission rejected",
			zap.String("item", req.item.Name),
			zap.Int("index", req.item.Index),
			zap.String("reason", h.Snapshot().Status.Detail))
	} else {
		d.logger.Info("Launched job",
			zap.String("item", req.item.Name),
			zap.Int("index", req.item.Index),
			zap.String("jobID", h.ID()),
			zap.Int("seq", req.seq))
	}
	d.observer.SlotsChanged(d.InFlight(), d.Queued())

	go d.watch(req, h)
}

// waitForBreaker blocks while the submission breaker is open.
func (d *Dispatcher) waitForBreaker(ctx context.Context) {
	if d.breaker == nil {
		return
	}
	for {
		remaining := d.breaker.Remaining()
		if remaining <= 0 {
			return
		}
		d.logger.Warn("Scheduler keeps rejecting submissions, pausing admissions",
			zap.Duration("pause", remaining))
		timer := d.clock.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// watch owns one slot until its handle is terminal or the run ends.
func (d *Dispatcher) watch(req request, h *job.Handle) {
	for {
		st, err := h.Wait(req.ctx, d.waitTimeout)
		switch {
		case err == nil:
			d.done <- Outcome{Seq: req.seq, Handle: h, Status: st}
			return
		case sdkerrors.IsTimeout(err):
			d.logger.Warn("Job still active after wait timeout, polling again",
				zap.String("item", req.item.Name),
				zap.String("jobID", h.ID()),
				zap.Duration("timeout", d.waitTimeout))
			d.observer.WaitTimedOut(req.item)
		default:
			d.done <- Outcome{Seq: req.seq, Handle: h, Status: h.Snapshot().Status, Cancelled: true}
			return
		}
	}
}
