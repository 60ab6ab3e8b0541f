package psync

import (
	"context"
	"time"
)

// Backoff produces capped exponential delays for retry loops. Zero fields
// fall back to sane defaults, so `var b psync.Backoff` is usable as-is.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	next time.Duration
}

const (
	defaultBackoffBase = 250 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		if b.Base > 0 {
			b.next = b.Base
		} else {
			b.next = defaultBackoffBase
		}
	}

	d := b.next

	max := b.Max
	if max == 0 {
		max = defaultBackoffMax
	}
	b.next *= 2
	if b.next > max {
		b.next = max
	}

	return d
}

// Reset restarts the schedule from the base delay. Call it after a success.
func (b *Backoff) Reset() {
	b.next = 0
}

// Wait sleeps for d or until ctx is cancelled, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
