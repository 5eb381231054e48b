package alert

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
)

type captured struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *captured) beforeSend(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func anyException(e *sentry.Event, substr string) bool {
	for _, ex := range e.Exception {
		if strings.Contains(ex.Value, substr) {
			return true
		}
	}
	return false
}

func newCapturingSentry(t *testing.T) (*Sentry, *captured) {
	t.Helper()
	c := &captured{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:        "https://public@sentry.example.com/1",
		BeforeSend: c.beforeSend,
	})
	require.NoError(t, err)
	return NewSentryWithHub(sentry.NewHub(client, sentry.NewScope()), nil), c
}

func TestReportExecutionFailure(t *testing.T) {
	s, c := newCapturingSentry(t)

	s.Report(context.Background(), Failure{
		RunID:  "run-1",
		Stage:  "design",
		Item:   workitem.Item{Index: 3, Name: "C"},
		JobID:  "4242",
		Detail: "OUT_OF_MEMORY exit=0:125",
	})

	require.Len(t, c.events, 1)
	e := c.events[0]
	assert.Equal(t, sentry.LevelError, e.Level)
	assert.Equal(t, "design", e.Tags["stage"])
	assert.Equal(t, "3", e.Tags["index"])
	assert.Equal(t, "4242", e.Tags["job_id"])
	assert.Equal(t, []string{"design", "C"}, e.Fingerprint)
	assert.True(t, anyException(e, "OUT_OF_MEMORY"))
}

func TestReportRejectedSubmission(t *testing.T) {
	s, c := newCapturingSentry(t)

	s.Report(context.Background(), Failure{
		Stage:    "fold",
		Item:     workitem.Item{Index: 1, Name: "A"},
		Detail:   "sbatch: error: invalid partition",
		Rejected: true,
	})

	require.Len(t, c.events, 1)
	_, hasJob := c.events[0].Tags["job_id"]
	assert.False(t, hasJob)
	assert.True(t, anyException(c.events[0], "[SUBMISSION]"))
}

func TestNopReporter(t *testing.T) {
	var r Reporter = Nop{}
	r.Report(context.Background(), Failure{})
}
