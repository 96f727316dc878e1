package crawler

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
)

// Throttle bounds how many fetch and sink calls are in flight at once. One
// Throttle is shared by the scheduler and the delivery manager.
type Throttle struct {
	sem     *semaphore.Weighted
	size    int64
	current atomic.Int64
	peak    atomic.Int64
}

// NewThrottle creates a Throttle admitting at most n concurrent calls.
func NewThrottle(n int) *Throttle {
	if n <= 0 {
		n = 1
	}
	return &Throttle{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Do runs fn while holding one slot. Callers must not sleep for backoff inside fn.
func (t *Throttle) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot: %w", err)
	}
	n := t.current.Add(1)
	for {
		peak := t.peak.Load()
		if n <= peak || t.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	metrics.IncInFlight()
	defer func() {
		metrics.DecInFlight()
		t.current.Add(-1)
		t.sem.Release(1)
	}()
	return fn(ctx)
}

// Size is the configured slot count.
func (t *Throttle) Size() int {
	return int(t.size)
}

// Peak is the highest number of simultaneous holders observed.
func (t *Throttle) Peak() int {
	return int(t.peak.Load())
}
