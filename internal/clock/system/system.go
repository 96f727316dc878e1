// Package system is the wall clock: UTC timestamps and context-aware sleeps
// on real timers.
package system

import (
	"context"
	"time"
)

// Clock satisfies crawler.Clock. The zero value is ready to use.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d. It returns ctx.Err() if ctx ends first, including when
// ctx is already done and d is not positive.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
