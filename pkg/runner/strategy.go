package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/wehubfusion/subtimizer/pkg/concurrency"
	"github.com/wehubfusion/subtimizer/pkg/dispatch"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"go.uber.org/zap"
)

// Mode selects the submission discipline.
type Mode = concurrency.Mode

const (
	ModeBatch    = concurrency.ModeBatch
	ModeParallel = concurrency.ModeParallel
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	return concurrency.ParseMode(s)
}

// OutcomeFunc receives every drained outcome, in drain order.
type OutcomeFunc func(dispatch.Outcome)

// Strategy drives a dispatcher over the selected items. Execute returns
// once every submitted item has been drained. Submission stops early when
// ctx ends or the dispatcher is halted.
type Strategy interface {
	Execute(ctx context.Context, d *dispatch.Dispatcher, launcher dispatch.Launcher, items []workitem.Item, report OutcomeFunc) error
}

// StrategyFor returns the strategy for mode.
func StrategyFor(mode Mode, logger *zap.Logger) (Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch mode {
	case ModeBatch:
		return &batchStrategy{logger: logger}, nil
	case ModeParallel:
		return &parallelStrategy{logger: logger}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}

// batchStrategy runs waves of exactly capacity items with a barrier
// between waves.
type batchStrategy struct {
	logger *zap.Logger
}

func (s *batchStrategy) Execute(ctx context.Context, d *dispatch.Dispatcher, launcher dispatch.Launcher, items []workitem.Item, report OutcomeFunc) error {
	chunks := workitem.Chunks(items, d.Capacity())
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		s.logger.Info("Starting wave",
			zap.Int("wave", i+1),
			zap.Int("waves", len(chunks)),
			zap.Int("size", len(chunk)))

		halted := submitAll(ctx, d, launcher, chunk, s.logger)
		if err := drainAll(ctx, d, report); err != nil {
			return err
		}
		if halted {
			break
		}
	}
	return nil
}

// parallelStrategy keeps capacity jobs in flight; the dispatcher admits
// the next queued item as soon as a slot frees.
type parallelStrategy struct {
	logger *zap.Logger
}

func (s *parallelStrategy) Execute(ctx context.Context, d *dispatch.Dispatcher, launcher dispatch.Launcher, items []workitem.Item, report OutcomeFunc) error {
	s.logger.Info("Starting sliding window",
		zap.Int("items", len(items)),
		zap.Int("window", d.Capacity()))
	submitAll(ctx, d, launcher, items, s.logger)
	return drainAll(ctx, d, report)
}

// submitAll submits items in order and reports whether submission stopped
// because the dispatcher was halted or ctx ended.
func submitAll(ctx context.Context, d *dispatch.Dispatcher, launcher dispatch.Launcher, items []workitem.Item, logger *zap.Logger) bool {
	for _, item := range items {
		err := d.Submit(ctx, launcher, item)
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrHalted):
			return true
		case errors.Is(err, dispatch.ErrDuplicate):
			logger.Warn("Item listed twice, submitting once",
				zap.String("item", item.Name),
				zap.Int("index", item.Index))
		default:
			logger.Error("Submit failed", zap.String("item", item.Name), zap.Error(err))
		}
	}
	return false
}

// drainAll reports outcomes until the dispatcher is idle. Draining is not
// tied to ctx: after cancellation each watcher reports promptly and the
// cancelled outcomes still need recording.
func drainAll(ctx context.Context, d *dispatch.Dispatcher, report OutcomeFunc) error {
	drainCtx := context.WithoutCancel(ctx)
	for {
		o, err := d.DrainOne(drainCtx)
		if errors.Is(err, dispatch.ErrIdle) {
			return nil
		}
		if err != nil {
			return err
		}
		report(o)
	}
}
