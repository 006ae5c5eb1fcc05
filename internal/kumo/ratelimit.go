package kumo

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum interval between outbound API calls.
//
// Acquire hands out time slots: each caller is assigned the next free
// slot at least one interval after the previous one, then sleeps until
// its slot arrives. The lock is held only while claiming a slot, never
// while waiting, so concurrent callers queue up without serialising on
// the mutex. Slot assignment is first-come within the lock, which gives
// a natural FIFO-ish ordering under contention.
//
// The limiter never fails; it only delays. The sole early return is
// context cancellation, and a cancelled waiter's slot simply goes
// unused.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a Limiter with the given minimum call interval.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		now:      time.Now,
	}
}

// Acquire blocks until the caller's slot arrives or ctx is cancelled.
// Exactly one outbound call should follow each successful Acquire.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the configured minimum call interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
