package transport

import (
	"context"
	"time"
)

// Backoff implements the reconnect delay schedule spec §4.3 calls for:
// 1s initial, doubling, capped at 30s. No library in the corpus offers a
// generic backoff primitive, so this is hand-rolled on stdlib time, in the
// spirit of the circuit-breaker counters the teacher hand-rolls in
// client.go for its own retry/skip logic. Exported so the Exposer and
// Entrance engines can drive the same schedule on their receive loops'
// reconnect path, not just Forward's retry loop.
type Backoff struct {
	current time.Duration
}

const (
	backoffInitial = time.Second
	backoffCap     = 30 * time.Second
)

// NewBackoff returns a Backoff starting at the 1s initial delay.
func NewBackoff() *Backoff {
	return &Backoff{current: backoffInitial}
}

// Wait blocks for the current delay (or until ctx is done) and advances
// the delay toward the cap.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.current)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.advance()
	return nil
}

// advance doubles the delay, capped at backoffCap, without sleeping.
// Split out from Wait so the doubling schedule can be tested without
// burning real wall-clock time.
func (b *Backoff) advance() {
	b.current *= 2
	if b.current > backoffCap {
		b.current = backoffCap
	}
}

// Reset returns the delay to its initial value, called after a successful
// operation.
func (b *Backoff) Reset() {
	b.current = backoffInitial
}
