package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/subtimizer/pkg/concurrency"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"github.com/wehubfusion/subtimizer/pkg/job/jobtest"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
)

// fakeCluster launches one job per item, using the item name as job id.
type fakeCluster struct {
	tracker *jobtest.Tracker
	reject  func(workitem.Item) bool

	mu       sync.Mutex
	launched []string
	handles  []*job.Handle
	overCap  bool
	capacity int
}

func newFakeCluster(capacity int) *fakeCluster {
	return &fakeCluster{tracker: jobtest.NewTracker(), capacity: capacity}
}

func (c *fakeCluster) Launch(_ context.Context, item workitem.Item) *job.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launched = append(c.launched, item.Name)

	active := 0
	for _, h := range c.handles {
		if !h.State().Terminal() {
			active++
		}
	}
	if active >= c.capacity {
		c.overCap = true
	}

	var h *job.Handle
	if c.reject != nil && c.reject(item) {
		h = job.Rejected(item, errors.New("sbatch: error: QOSMaxSubmitJobPerUserLimit"))
	} else {
		h = job.Submitted(item.Name, item, c.tracker, job.WithPollInterval(time.Millisecond, 2*time.Millisecond))
	}
	c.handles = append(c.handles, h)
	return h
}

func (c *fakeCluster) Launched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.launched))
	copy(out, c.launched)
	return out
}

func items(names ...string) []workitem.Item {
	out := make([]workitem.Item, len(names))
	for i, n := range names {
		out[i] = workitem.Item{Index: i + 1, Name: n}
	}
	return out
}

type countingObserver struct {
	timeouts atomic.Int32
	maxSeen  atomic.Int32
}

func (o *countingObserver) SlotsChanged(inFlight, _ int) {
	for {
		cur := o.maxSeen.Load()
		if int32(inFlight) <= cur || o.maxSeen.CompareAndSwap(cur, int32(inFlight)) {
			return
		}
	}
}

func (o *countingObserver) WaitTimedOut(workitem.Item) { o.timeouts.Add(1) }

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestSubmitQueuesBeyondCapacityAndAdmitsFIFO(t *testing.T) {
	ctx := context.Background()
	cluster := newFakeCluster(2)
	d, err := New(2)
	require.NoError(t, err)

	for _, it := range items("A", "B", "C", "D", "E") {
		require.NoError(t, d.Submit(ctx, cluster, it))
	}
	assert.Equal(t, 2, d.InFlight())
	assert.Equal(t, 3, d.Queued())
	assert.Equal(t, []string{"A", "B"}, cluster.Launched())

	cluster.tracker.Succeed("B")
	o, err := d.DrainOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", o.Handle.Item().Name)
	assert.Equal(t, []string{"A", "B", "C"}, cluster.Launched())

	cluster.tracker.Fail("A", "NODE_FAIL")
	o, err = d.DrainOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", o.Handle.Item().Name)
	assert.Equal(t, job.StateFailed, o.Status.State)
	assert.Equal(t, []string{"A", "B", "C", "D"}, cluster.Launched())

	for _, n := range []string{"C", "D", "E"} {
		cluster.tracker.Succeed(n)
	}
	rest, err := d.DrainAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, cluster.Launched())
	assert.Equal(t, 0, d.InFlight())
	assert.Equal(t, 2, d.PeakInFlight())

	_, err = d.DrainOne(ctx)
	assert.ErrorIs(t, err, ErrIdle)
}

func TestNeverExceedsCapacityUnderRandomCompletion(t *testing.T) {
	for _, capacity := range []int{1, 3, 5} {
		ctx := context.Background()
		cluster := newFakeCluster(capacity)
		observer := &countingObserver{}
		d, err := New(capacity, WithObserver(observer))
		require.NoError(t, err)

		var names []string
		for i := 0; i < 25; i++ {
			names = append(names, string(rune('a'+i)))
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(capacity)))
			for {
				select {
				case <-stop:
					return
				default:
				}
				launched := cluster.Launched()
				if len(launched) > 0 {
					pick := launched[rng.Intn(len(launched))]
					if rng.Intn(4) == 0 {
						cluster.tracker.Fail(pick, "FAILED")
					} else {
						cluster.tracker.Succeed(pick)
					}
				}
				time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
			}
		}()

		for _, it := range items(names...) {
			require.NoError(t, d.Submit(ctx, cluster, it))
		}
		outcomes, err := d.DrainAll(ctx)
		close(stop)
		wg.Wait()

		require.NoError(t, err)
		assert.Len(t, outcomes, len(names))
		assert.LessOrEqual(t, d.PeakInFlight(), capacity)
		assert.LessOrEqual(t, int(observer.maxSeen.Load()), capacity)
		assert.False(t, cluster.overCap, "launched while %d jobs were active", capacity)
	}
}

func TestRejectedSubmissionFreesSlot(t *testing.T) {
	ctx := context.Background()
	cluster := newFakeCluster(1)
	cluster.reject = func(it workitem.Item) bool { return it.Name == "A" }
	d, err := New(1)
	require.NoError(t, err)

	require.NoError(t, d.Submit(ctx, cluster, items("A", "B")[0]))
	require.NoError(t, d.Submit(ctx, cluster, items("A", "B")[1]))

	o, err := d.DrainOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, o.Status.State)
	assert.True(t, o.Handle.Rejected())
	assert.Contains(t, o.Status.Detail, "QOSMaxSubmitJobPerUserLimit")

	cluster.tracker.Succeed("B")
	o, err = d.DrainOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, o.Status.State)
}

func TestNilHandleIsTreatedAsRejection(t *testing.T) {
	d, err := New(1)
	require.NoError(t, err)
	nilLauncher := LaunchFunc(func(context.Context, workitem.Item) *job.Handle { return nil })

	require.NoError(t, d.Submit(context.Background(), nilLauncher, workitem.Item{Index: 1, Name: "A"}))
	o, err := d.DrainOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, o.Status.State)
	assert.Contains(t, o.Status.Detail, "no handle")
}

func TestDuplicateSubmitIsRefused(t *testing.T) {
	ctx := context.Background()
	cluster := newFakeCluster(2)
	d, err := New(2)
	require.NoError(t, err)

	a := workitem.Item{Index: 1, Name: "A"}
	require.NoError(t, d.Submit(ctx, cluster, a))
	assert.ErrorIs(t, d.Submit(ctx, cluster, a), ErrDuplicate)

	cluster.tracker.Succeed("A")
	_, err = d.DrainAll(ctx)
	require.NoError(t, err)
	// Once drained the item may be submitted again.
	assert.NoError(t, d.Submit(ctx, cluster, a))
}

func TestHaltDiscardsQueue(t *testing.T) {
	ctx := context.Background()
	cluster := newFakeCluster(1)
	d, err := New(1)
	require.NoError(t, err)

	for _, it := range items("A", "B", "C") {
		require.NoError(t, d.Submit(ctx, cluster, it))
	}
	d.Halt()
	assert.ErrorIs(t, d.Submit(ctx, cluster, workitem.Item{Index: 4, Name: "D"}), ErrHalted)

	cluster.tracker.Succeed("A")
	outcomes, err := d.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, []string{"A"}, cluster.Launched())

	var discarded []string
	for _, it := range d.Discarded() {
		discarded = append(discarded, it.Name)
	}
	assert.Equal(t, []string{"B", "C", "D"}, discarded)
}

func TestCancellationStopsAdmissionAndReportsInFlight(t *testing.T) {
	cluster := newFakeCluster(2)
	d, err := New(2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	for _, it := range items("A", "B", "C") {
		require.NoError(t, d.Submit(ctx, cluster, it))
	}
	cancel()

	outcomes, err := d.DrainAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Cancelled)
		assert.False(t, o.Status.State.Terminal())
	}
	assert.Equal(t, []string{"A", "B"}, cluster.Launched())
	assert.Len(t, d.Discarded(), 1)
	assert.ErrorIs(t, d.Submit(ctx, cluster, workitem.Item{Index: 9, Name: "Z"}), ErrHalted)
}

func TestWaitTimeoutKeepsSlotAndDoesNotResubmit(t *testing.T) {
	ctx := context.Background()
	cluster := newFakeCluster(1)
	observer := &countingObserver{}
	d, err := New(1, WithWaitTimeout(3*time.Millisecond), WithObserver(observer))
	require.NoError(t, err)

	cluster.tracker.Set("A", job.Status{State: job.StateRunning})
	require.NoError(t, d.Submit(ctx, cluster, workitem.Item{Index: 1, Name: "A"}))
	require.NoError(t, d.Submit(ctx, cluster, workitem.Item{Index: 2, Name: "B"}))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.InFlight())
	assert.Equal(t, []string{"A"}, cluster.Launched())

	cluster.tracker.Succeed("A")
	o, err := d.DrainOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, o.Status.State)
	assert.Greater(t, observer.timeouts.Load(), int32(0))
	assert.Equal(t, []string{"A", "B"}, cluster.Launched())

	cluster.tracker.Succeed("B")
	_, err = d.DrainAll(ctx)
	require.NoError(t, err)
}

func TestSimultaneousCompletionsReportedInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	cluster := newFakeCluster(3)
	d, err := New(3)
	require.NoError(t, err)

	for _, it := range items("A", "B", "C") {
		require.NoError(t, d.Submit(ctx, cluster, it))
	}
	cluster.tracker.Succeed("C")
	cluster.tracker.Succeed("B")
	require.Eventually(t, func() bool { return len(d.done) == 2 }, time.Second, time.Millisecond)

	first, err := d.DrainOne(ctx)
	require.NoError(t, err)
	second, err := d.DrainOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", first.Handle.Item().Name)
	assert.Equal(t, "C", second.Handle.Item().Name)

	cluster.tracker.Succeed("A")
	_, err = d.DrainAll(ctx)
	require.NoError(t, err)
}

func TestOpenBreakerPausesAdmission(t *testing.T) {
	ctx := context.Background()
	cluster := newFakeCluster(1)
	cluster.reject = func(it workitem.Item) bool { return it.Name != "C" }
	breaker := concurrency.NewCircuitBreaker(2, 40*time.Millisecond)
	d, err := New(1, WithBreaker(breaker))
	require.NoError(t, err)

	for _, it := range items("A", "B", "C") {
		require.NoError(t, d.Submit(ctx, cluster, it))
	}

	_, err = d.DrainOne(ctx) // A rejected, B admitted and rejected: breaker opens
	require.NoError(t, err)
	assert.Equal(t, concurrency.StateOpen, breaker.GetState())

	start := time.Now()
	_, err = d.DrainOne(ctx) // B drained, C admitted after the pause
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, cluster.Launched())
	assert.Equal(t, concurrency.StateClosed, breaker.GetState())

	cluster.tracker.Succeed("C")
	_, err = d.DrainAll(ctx)
	require.NoError(t, err)
}

func TestCancelDuringBreakerPauseDiscardsItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cluster := newFakeCluster(1)
	cluster.reject = func(workitem.Item) bool { return true }
	breaker := concurrency.NewCircuitBreaker(1, time.Hour)
	d, err := New(1, WithBreaker(breaker))
	require.NoError(t, err)

	for _, it := range items("A", "B") {
		require.NoError(t, d.Submit(ctx, cluster, it))
	}
	require.Equal(t, concurrency.StateOpen, breaker.GetState())

	time.AfterFunc(20*time.Millisecond, cancel)
	o, err := d.DrainOne(context.Background()) // A drained, B waits out the pause
	require.NoError(t, err)
	assert.Equal(t, "A", o.Handle.Item().Name)

	assert.Equal(t, []string{"A"}, cluster.Launched())
	assert.Equal(t, []workitem.Item{{Index: 2, Name: "B"}}, d.Discarded())
	assert.Equal(t, 0, d.InFlight())
	_, err = d.DrainOne(context.Background())
	assert.ErrorIs(t, err, ErrIdle)
}

func TestDrainOneHonorsContext(t *testing.T) {
	cluster := newFakeCluster(1)
	d, err := New(1)
	require.NoError(t, err)
	require.NoError(t, d.Submit(context.Background(), cluster, workitem.Item{Index: 1, Name: "A"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.DrainOne(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cluster.tracker.Succeed("A")
	_, err = d.DrainAll(context.Background())
	require.NoError(t, err)
}
