package job_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"github.com/wehubfusion/subtimizer/pkg/job/jobtest"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	testclock "k8s.io/utils/clock/testing"
)

var itemA = workitem.Item{Index: 1, Name: "A"}

func TestPollIsMonotonic(t *testing.T) {
	tracker := jobtest.NewTracker()
	h := job.Submitted("101", itemA, tracker)
	ctx := context.Background()

	st, err := h.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, st.State)

	tracker.Set("101", job.Status{State: job.StateRunning})
	st, _ = h.Poll(ctx)
	assert.Equal(t, job.StateRunning, st.State)

	// A scheduler answering "pending" again must not move the handle back.
	tracker.Set("101", job.Status{State: job.StatePending})
	st, _ = h.Poll(ctx)
	assert.Equal(t, job.StateRunning, st.State)

	tracker.Fail("101", "OUT_OF_MEMORY")
	st, _ = h.Poll(ctx)
	assert.Equal(t, job.StateFailed, st.State)
	assert.Equal(t, "OUT_OF_MEMORY", st.Detail)
	assert.False(t, h.FinishedAt().IsZero())

	tracker.Succeed("101")
	st, _ = h.Poll(ctx)
	assert.Equal(t, job.StateFailed, st.State, "terminal state is final")
}

func TestPollErrorKeepsState(t *testing.T) {
	tracker := jobtest.NewTracker()
	h := job.Submitted("7", itemA, tracker)
	tracker.Set("7", job.Status{State: job.StateRunning})
	_, _ = h.Poll(context.Background())

	boom := errors.New("sacct: connection refused")
	tracker.Error("7", boom)
	st, err := h.Poll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, job.StateRunning, st.State)
	assert.ErrorIs(t, h.LastPollError(), boom)
}

func TestRejectedIsAlreadyFailed(t *testing.T) {
	h := job.Rejected(itemA, errors.New("sbatch: error: invalid partition"))
	assert.Equal(t, job.StateFailed, h.State())
	assert.Empty(t, h.ID())

	st, err := h.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, st.State)
	assert.Contains(t, st.Detail, "invalid partition")
	assert.Equal(t, h.SubmittedAt(), h.FinishedAt())
}

func TestWaitReturnsTerminalStatus(t *testing.T) {
	tracker := jobtest.NewTracker()
	h := job.Submitted("42", itemA, tracker, job.WithPollInterval(time.Millisecond, 2*time.Millisecond))

	go func() {
		time.Sleep(10 * time.Millisecond)
		tracker.Succeed("42")
	}()

	st, err := h.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, st.State)
}

func TestWaitTimesOutWithoutTerminalState(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	tracker := jobtest.NewTracker()
	tracker.Set("9", job.Status{State: job.StateRunning})
	h := job.Submitted("9", itemA, tracker,
		job.WithClock(clk),
		job.WithPollInterval(time.Second, 8*time.Second))

	type result struct {
		st  job.Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := h.Wait(context.Background(), 10*time.Second)
		done <- result{st, err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			assert.True(t, sdkerrors.IsTimeout(r.err))
			assert.Equal(t, job.StateRunning, r.st.State)
			assert.True(t, h.FinishedAt().IsZero())
			// Polls at t=0,1,3,7 and the final one at the 10s deadline.
			assert.Equal(t, 5, tracker.Calls("9"))
			return
		case <-deadline:
			t.Fatal("Wait did not return")
		default:
			if clk.HasWaiters() {
				clk.Step(time.Second)
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	tracker := jobtest.NewTracker()
	h := job.Submitted("5", itemA, tracker, job.WithPollInterval(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	st, err := h.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, job.StatePending, st.State)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "pending", job.StatePending.String())
	assert.Equal(t, "running", job.StateRunning.String())
	assert.Equal(t, "succeeded", job.StateSucceeded.String())
	assert.Equal(t, "failed", job.StateFailed.String())
	assert.True(t, job.StateFailed.Terminal())
	assert.False(t, job.StateRunning.Terminal())
}
