package migration

import (
	"context"
	"sync"
	"time"
)

// Throttle enforces a minimum interval between successive request sends on
// one logical endpoint. Only the send timing is serialized: callers wait for
// their slot, fire, and their responses complete in whatever order they
// arrive. Each endpoint class (registration, login) gets its own instance.
type Throttle struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewThrottle builds a throttle pacing sends at the given requests/second.
func NewThrottle(requestsPerSecond int) *Throttle {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Throttle{interval: time.Second / time.Duration(requestsPerSecond)}
}

// Wait blocks until the caller's send slot arrives. Slots are handed out in
// the order callers reach the internal queue, so queued sends degrade to FIFO
// under load and every caller is eventually dispatched exactly once.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	if t.next.Before(now) {
		t.next = now
	}
	wait := t.next.Sub(now)
	t.next = t.next.Add(t.interval)
	t.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
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

// Dispatch runs fn once the caller's send slot arrives. The outcome of fn is
// returned to this caller only; failures never propagate to sibling calls.
func (t *Throttle) Dispatch(ctx context.Context, fn func() error) error {
	if err := t.Wait(ctx); err != nil {
		return err
	}
	return fn()
}
