// Package runner executes one pipeline stage over a list of work items.
// It drives a dispatcher under the chosen scheduling mode, records every
// outcome in the run ledger and fans progress out to events, metrics,
// tracing and alerting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	internaltracing "github.com/wehubfusion/subtimizer/internal/tracing"
	"github.com/wehubfusion/subtimizer/pkg/alert"
	"github.com/wehubfusion/subtimizer/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"github.com/wehubfusion/subtimizer/pkg/events"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Reattacher is implemented by launchers that can resume tracking a job
// submitted by an earlier, cancelled run.
type Reattacher interface {
	Reattach(ctx context.Context, item workitem.Item, jobID string) *job.Handle
}

// Recorder receives slot accounting and per-item outcomes.
type Recorder interface {
	dispatch.Observer
	ItemRecorded(stage string, state ledger.State, d time.Duration)
	ItemsSkipped(stage string, n int)
}

// Request describes one stage run.
type Request struct {
	Stage    string
	Launcher dispatch.Launcher
	// Items is the already selected window, original indices preserved.
	Items  []workitem.Item
	Mode   Mode
	Resume bool
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLedger sets the ledger outcomes are recorded in. The default is an
// in-memory ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(r *Runner) {
		if l != nil {
			r.ledger = l
		}
	}
}

// WithPublisher sets the run event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithReporter sets the failure reporter.
func WithReporter(rep alert.Reporter) Option {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithTracingConfig sets up an OTLP exporter when the runner is created
// and shuts it down in Close.
func WithTracingConfig(cfg TracingConfig) Option {
	return func(r *Runner) { r.tracingConfig = &cfg }
}

// WithDispatchOptions passes options to every dispatcher the runner
// creates (wait timeout, breaker, clock).
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(r *Runner) { r.dispatchOpts = append(r.dispatchOpts, opts...) }
}

// Runner runs stages. It is safe to call Run for different stages
// sequentially; concurrent runs share the ledger.
type Runner struct {
	capacity      int
	ledger        *ledger.Ledger
	publisher     events.Publisher
	recorder      Recorder
	reporter      alert.Reporter
	tracer        trace.Tracer
	logger        *zap.Logger
	dispatchOpts  []dispatch.Option
	tracingConfig *TracingConfig
	tracing       *internaltracing.Provider
}

// New creates a Runner whose dispatchers hold capacity slots.
func New(capacity int, opts ...Option) (*Runner, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("max jobs must be at least 1, got %d", capacity)
	}
	r := &Runner{
		capacity:  capacity,
		ledger:    ledger.NewMemory(),
		publisher: events.Nop{},
		reporter:  alert.Nop{},
		tracer:    otel.Tracer("subtimizer/runner"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.tracingConfig != nil {
		p, err := internaltracing.Setup(context.Background(), *r.tracingConfig, r.logger)
		if err != nil {
			r.logger.Warn("Tracing disabled", zap.Error(err))
		} else {
			r.tracing = p
			r.tracer = p.Tracer("subtimizer/runner")
		}
	}
	return r, nil
}

// Ledger returns the ledger outcomes are recorded in.
func (r *Runner) Ledger() *ledger.Ledger {
	return r.ledger
}

// Capacity returns the slot count used for every run.
func (r *Runner) Capacity() int {
	return r.capacity
}

// Close flushes tracing when the runner set it up.
func (r *Runner) Close() error {
	return r.tracing.Shutdown()
}

type plan struct {
	todo     []workitem.Item
	skipped  int
	reattach map[int]ledger.Entry
}

// plan applies resume decisions to the requested items.
func (r *Runner) plan(req Request, logger *zap.Logger) plan {
	p := plan{reattach: make(map[int]ledger.Entry)}
	_, canReattach := req.Launcher.(Reattacher)
	for _, item := range req.Items {
		if req.Resume {
			if r.ledger.Succeeded(item, req.Stage) {
				p.skipped++
				logger.Debug("Already succeeded, skipping", zap.String("item", item.Name), zap.Int("index", item.Index))
				continue
			}
			if e, ok := r.ledger.Latest(item, req.Stage); ok && e.State == ledger.StateCancelledPending && e.JobID != "" {
				if canReattach {
					p.reattach[item.Index] = e
				} else {
					logger.Warn("Launcher cannot re-attach, resubmitting",
						zap.String("item", item.Name),
						zap.String("previousJobID", e.JobID))
				}
			}
		}
		p.todo = append(p.todo, item)
	}
	return p
}

// Run executes req and returns its summary. Per-item failures are reported
// in the summary only. The returned error is set for invalid requests, a
// ledger write failure (remaining items are not started) and
// cancellation.
func (r *Runner) Run(ctx context.Context, req Request) (ledger.Summary, error) {
	if req.Stage == "" {
		return ledger.Summary{}, errors.New("stage cannot be empty")
	}
	if req.Launcher == nil {
		return ledger.Summary{}, errors.New("launcher cannot be nil")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeBatch
	}
	strategy, err := StrategyFor(mode, r.logger)
	if err != nil {
		return ledger.Summary{}, err
	}

	runID := uuid.NewString()
	logger := r.logger.With(zap.String("runID", runID), zap.String("stage", req.Stage))

	ctx, span := r.tracer.Start(ctx, "runner.Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage", req.Stage),
			attribute.String("mode", string(mode)),
			attribute.Int("items", len(req.Items)),
			attribute.Int("max_jobs", r.capacity),
			attribute.Bool("resume", req.Resume),
		))
	defer span.End()

	p := r.plan(req, logger)
	if r.recorder != nil {
		r.recorder.ItemsSkipped(req.Stage, p.skipped)
	}
	logger.Info("Starting run",
		zap.String("mode", string(mode)),
		zap.Int("items", len(req.Items)),
		zap.Int("toRun", len(p.todo)),
		zap.Int("skipped", p.skipped),
		zap.Int("reattach", len(p.reattach)),
		zap.Int("maxJobs", r.capacity))
	r.publish(ctx, logger, events.Event{Type: events.TypeRunStarted, RunID: runID, Stage: req.Stage})

	opts := []dispatch.Option{dispatch.WithLogger(logger)}
	if r.recorder != nil {
		opts = append(opts, dispatch.WithObserver(r.recorder))
	}
	d, err := dispatch.New(r.capacity, append(opts, r.dispatchOpts...)...)
	if err != nil {
		return ledger.Summary{}, err
	}

	rs := &runState{runner: r, ctx: ctx, runID: runID, stage: req.Stage, dispatcher: d, logger: logger}
	execErr := strategy.Execute(ctx, d, rs.launcher(req.Launcher, p.reattach), p.todo, rs.record)

	summary := r.ledger.Summarize(runID, req.Stage, p.skipped, len(p.todo)-rs.handled)
	r.publish(ctx, logger, events.Event{
		Type:  events.TypeRunFinished,
		RunID: runID,
		Stage: req.Stage,
		Counts: map[string]int{
			"succeeded":   summary.Succeeded,
			"failed":      summary.Failed,
			"skipped":     summary.Skipped,
			"cancelled":   summary.Cancelled,
			"not_started": summary.NotStarted,
		},
	})
	span.SetAttributes(
		attribute.Int("succeeded", summary.Succeeded),
		attribute.Int("failed", summary.Failed),
	)
	logger.Info("Run finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("cancelled", summary.Cancelled),
		zap.Int("notStarted", summary.NotStarted),
		zap.Int("peakInFlight", d.PeakInFlight()))

	switch {
	case rs.ledgerErr != nil:
		span.RecordError(rs.ledgerErr)
		span.SetStatus(codes.Error, "ledger write failed")
		return summary, rs.ledgerErr
	case execErr != nil:
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return summary, execErr
	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		return summary, fmt.Errorf("%w: %w", sdkerrors.ErrCancelled, ctx.Err())
	}
	if summary.HasFailures() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d items failed", summary.Failed))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return summary, nil
}

// publish sends e on a context that survives run cancellation.
func (r *Runner) publish(ctx context.Context, logger *zap.Logger, e events.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, e); err != nil {
		logger.Warn("Failed to publish run event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

// runState is owned by the strategy goroutine; record is never called
// concurrently.
type runState struct {
	runner     *Runner
	ctx        context.Context
	runID      string
	stage      string
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	handled   int
	ledgerErr error
}

func (rs *runState) launcher(base dispatch.Launcher, reattach map[int]ledger.Entry) dispatch.Launcher {
	if len(reattach) == 0 {
		return base
	}
	re := base.(Reattacher)
	return dispatch.LaunchFunc(func(ctx context.Context, item workitem.Item) *job.Handle {
		if e, ok := reattach[item.Index]; ok {
			rs.logger.Info("Re-attaching to job left running by a cancelled run",
				zap.String("item", item.Name),
				zap.String("jobID", e.JobID),
				zap.String("previousRunID", e.RunID))
			return re.Reattach(ctx, item, e.JobID)
		}
		return base.Launch(ctx, item)
	})
}

func ledgerState(o dispatch.Outcome) ledger.State {
	switch o.Status.State {
	case job.StateSucceeded:
		return ledger.StateSucceeded
	case job.StateFailed:
		return ledger.StateFailed
	}
	return ledger.StateCancelledPending
}

// record handles one drained outcome.
func (rs *runState) record(o dispatch.Outcome) {
	rs.handled++
	r := rs.runner
	snap := o.Handle.Snapshot()
	state := ledgerState(o)

	entry := ledger.Entry{
		RunID:     rs.runID,
		Index:     snap.Item.Index,
		Name:      snap.Item.Name,
		Stage:     rs.stage,
		State:     state,
		Detail:    snap.Status.Detail,
		JobID:     snap.ID,
		StartedAt: snap.SubmittedAt,
		EndedAt:   snap.FinishedAt,
	}
	if err := r.ledger.Record(entry); err != nil && rs.ledgerErr == nil {
		rs.ledgerErr = err
		rs.logger.Error("Ledger write failed, finishing in-flight jobs and stopping",
			zap.String("item", snap.Item.Name),
			zap.Error(err))
		rs.dispatcher.Halt()
	}

	var elapsed time.Duration
	if !snap.FinishedAt.IsZero() {
		elapsed = snap.FinishedAt.Sub(snap.SubmittedAt)
	}
	if r.recorder != nil {
		r.recorder.ItemRecorded(rs.stage, state, elapsed)
	}
	rs.trace(snap, state)

	fields := []zap.Field{
		zap.String("item", snap.Item.Name),
		zap.Int("index", snap.Item.Index),
		zap.String("jobID", snap.ID),
		zap.String("state", string(state)),
		zap.Duration("elapsed", elapsed),
	}
	switch state {
	case ledger.StateSucceeded:
		rs.logger.Info("Item succeeded", fields...)
	case ledger.StateFailed:
		rs.logger.Warn("Item failed", append(fields, zap.String("detail", snap.Status.Detail))...)
		r.reporter.Report(rs.ctx, alert.Failure{
			RunID:    rs.runID,
			Stage:    rs.stage,
			Item:     snap.Item,
			JobID:    snap.ID,
			Detail:   snap.Status.Detail,
			Rejected: o.Handle.Rejected(),
		})
	default:
		rs.logger.Warn("Run cancelled while job still active", fields...)
	}

	r.publish(rs.ctx, rs.logger, events.Event{
		Type:      events.TypeItemFinished,
		RunID:     rs.runID,
		Stage:     rs.stage,
		Index:     snap.Item.Index,
		Name:      snap.Item.Name,
		State:     string(state),
		Detail:    snap.Status.Detail,
		JobID:     snap.ID,
		StartedAt: snap.SubmittedAt,
		EndedAt:   snap.FinishedAt,
	})
}

// trace emits one span covering submission to observed completion.
func (rs *runState) trace(snap job.Snapshot, state ledger.State) {
	_, span := rs.runner.tracer.Start(rs.ctx, "job."+rs.stage,
		trace.WithTimestamp(snap.SubmittedAt),
		trace.WithAttributes(
			attribute.String("run.id", rs.runID),
			attribute.String("item.name", snap.Item.Name),
			attribute.Int("item.index", snap.Item.Index),
			attribute.String("job.id", snap.ID),
			attribute.String("job.state", string(state)),
		))
	if state == ledger.StateFailed {
		span.SetStatus(codes.Error, snap.Status.Detail)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	end := snap.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	span.End(trace.WithTimestamp(end))
}
