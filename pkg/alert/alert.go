// Package alert reports failed items to Sentry.
package alert

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"go.uber.org/zap"
)

// Failure describes one failed item.
type Failure struct {
	RunID  string
	Stage  string
	Item   workitem.Item
	JobID  string
	Detail string
	// Rejected is set when the scheduler refused the submission.
	Rejected bool
}

// Reporter receives item failures. Implementations must not block for long.
type Reporter interface {
	Report(ctx context.Context, f Failure)
}

// Nop drops every failure.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(context.Context, Failure) {}

// Config configures the Sentry client.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Sentry sends one event per failure on its own hub.
type Sentry struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// NewSentry initializes a client for cfg.DSN.
func NewSentry(cfg Config, logger *zap.Logger) (*Sentry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return NewSentryWithHub(sentry.NewHub(client, sentry.NewScope()), logger), nil
}

// NewSentryWithHub wraps an existing hub.
func NewSentryWithHub(hub *sentry.Hub, logger *zap.Logger) *Sentry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sentry{hub: hub, logger: logger}
}

// Report implements Reporter.
func (s *Sentry) Report(_ context.Context, f Failure) {
	var err error
	if f.Rejected {
		err = sdkerrors.NewSubmissionError(f.Item.Name, fmt.Errorf("%s", f.Detail))
	} else {
		err = sdkerrors.NewExecutionError(f.Item.Name, f.Detail)
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTags(map[string]string{
			"stage":  f.Stage,
			"run_id": f.RunID,
			"item":   f.Item.Name,
			"index":  strconv.Itoa(f.Item.Index),
		})
		if f.JobID != "" {
			scope.SetTag("job_id", f.JobID)
		}
		scope.SetFingerprint([]string{f.Stage, f.Item.Name})
		if id := s.hub.CaptureException(err); id != nil {
			s.logger.Debug("Reported failure to Sentry",
				zap.String("item", f.Item.Name),
				zap.String("eventID", string(*id)))
		}
	})
}

// Flush waits for buffered events to be delivered.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
