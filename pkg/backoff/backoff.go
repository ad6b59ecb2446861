// Package backoff provides a small exponential backoff helper used by
// polling loops (health checks, connection retries). It is free of external
// dependencies so it can be shared by every package.
package backoff

import "time"

// Backoff produces exponentially growing delays capped at a maximum.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// New creates a backoff starting at base and capped at max.
func New(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay for the current attempt and advances the counter,
// doubling the delay on every call until the cap is reached.
func (b *Backoff) Next() time.Duration {
	delay := b.base << uint(b.attempt)
	b.attempt++
	if delay > b.max || delay < b.base { // overflow guard on the shift
		return b.max
	}
	return delay
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the sequence so the next call to Next returns the base
// delay again. Call it after a successful operation.
func (b *Backoff) Reset() { b.attempt = 0 }
