package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
)

func TestItemRecorded(t *testing.T) {
	m := New(nil)

	m.ItemRecorded("fold", ledger.StateSucceeded, 90*time.Second)
	m.ItemRecorded("fold", ledger.StateSucceeded, 30*time.Second)
	m.ItemRecorded("fold", ledger.StateFailed, time.Second)
	m.ItemRecorded("fold", ledger.StateCancelledPending, time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.items.WithLabelValues("fold", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues("fold", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues("fold", "cancelled_pending")))
	// cancelled jobs have no meaningful duration
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestSlotsAndTimeouts(t *testing.T) {
	m := New(nil)
	m.SlotsChanged(3, 7)
	m.WaitTimedOut(workitem.Item{Index: 1, Name: "A"})
	m.WaitTimedOut(workitem.Item{Index: 1, Name: "A"})
	m.ItemsSkipped("ipsae", 4)
	m.ItemsSkipped("ipsae", 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.waitTimeouts))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.skipped.WithLabelValues("ipsae")))
}

func TestRegisteredMetricsAreGathered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SlotsChanged(1, 0)

	expected := `
# HELP subtimizer_slots_in_flight Dispatcher slots currently holding an active job.
# TYPE subtimizer_slots_in_flight gauge
subtimizer_slots_in_flight 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "subtimizer_slots_in_flight"))
}
