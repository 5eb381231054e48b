package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks slot usage of a Limiter
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a counting semaphore over a fixed number of slots. The
// dispatcher reserves one slot per in-flight job, so PeakConcurrent never
// exceeds the capacity.
type Limiter struct {
	sem    chan struct{}
	active atomic.Int64

	acquired  atomic.Int64
	released  atomic.Int64
	peak      atomic.Int64
	waitNanos atomic.Int64
}

// NewLimiter creates a limiter with maxConcurrent slots (minimum 1)
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Capacity returns the number of slots
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// TryAcquire reserves a slot if one is free and reports whether it did
func (l *Limiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		l.onAcquired(0)
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot is free or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.onAcquired(time.Since(start))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
		// Should not happen in correct usage
	}
}

// CurrentActive returns the number of occupied slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNanos.Load(),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(metrics.TotalWaitTimeNs / metrics.TotalAcquired)
}

func (l *Limiter) onAcquired(wait time.Duration) {
	l.waitNanos.Add(wait.Nanoseconds())
	l.acquired.Add(1)
	current := l.active.Add(1)
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
