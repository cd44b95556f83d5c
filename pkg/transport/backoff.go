package transport

import "time"

// Backoff is an exponential reconnect backoff: 1s, 2s, 4s, ... capped at Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	cur time.Duration
}

// NewBackoff returns a backoff with the standard reconnect curve
func NewBackoff() *Backoff {
	return &Backoff{Initial: time.Second, Max: 30 * time.Second}
}

// Next returns the current delay and doubles it for the next attempt
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Initial
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return d
}

// Reset restores the initial delay after a successful connection
func (b *Backoff) Reset() {
	b.cur = 0
}
