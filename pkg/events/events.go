// Package events publishes run progress to NATS so dashboards and
// downstream pipeline stages can follow a run without reading the ledger.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"go.uber.org/zap"
)

// Type names an event kind. It is the last subject token.
type Type string

const (
	TypeRunStarted   Type = "run_started"
	TypeItemFinished Type = "item_finished"
	TypeRunFinished  Type = "run_finished"
)

// Event is the JSON payload of every published message.
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Index     int       `json:"index,omitempty"`
	Name      string    `json:"name,omitempty"`
	State     string    `json:"state,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// Counts are set on run_finished.
	Counts map[string]int `json:"counts,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Conn is the subset of *nats.Conn the publisher needs. Tests provide a
// fake without a running server.
type Conn interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

var _ Conn = (*nats.Conn)(nil)

// NATSPublisher publishes events to <prefix>.<stage>.<type>.
type NATSPublisher struct {
	conn       Conn
	prefix     string
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewNATSPublisher creates a publisher over an established connection.
func NewNATSPublisher(conn Conn, prefix string, maxRetries int, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	if prefix == "" {
		prefix = "subtimizer"
	}
	return &NATSPublisher{
		conn:       conn,
		prefix:     strings.TrimSuffix(prefix, "."),
		maxRetries: maxRetries,
		retryDelay: time.Second,
		logger:     logger,
	}
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(e.Stage), e.Type)
}

// subjectToken strips characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Publish marshals e and publishes it, retrying a bounded number of times.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return sdkerrors.NewError("EVENT_MARSHAL", "failed to marshal event", err)
	}
	subject := p.Subject(e)

	var publishErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if publishErr = p.conn.Publish(subject, data); publishErr == nil {
			p.logger.Debug("Published run event",
				zap.String("subject", subject),
				zap.String("runID", e.RunID))
			return nil
		}
		if attempt == p.maxRetries {
			break
		}
		p.logger.Warn("Failed to publish run event, retrying",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", p.maxRetries),
			zap.Error(publishErr))
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * p.retryDelay):
		}
	}
	return sdkerrors.NewError("EVENT_PUBLISH", "failed to publish event after retries", publishErr)
}

// Flush waits until the server has processed everything published so far.
func (p *NATSPublisher) Flush(timeout time.Duration) error {
	return p.conn.FlushTimeout(timeout)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
