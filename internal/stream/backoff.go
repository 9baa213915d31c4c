package stream

import "time"

const (
	MinBackoff = time.Second
	MaxBackoff = 60 * time.Second
)

// Backoff yields reconnect delays that double from Min up to Max.
// It is not safe for concurrent use.
type Backoff struct {
	Min, Max time.Duration
	current  time.Duration
}

func NewBackoff() *Backoff {
	return &Backoff{Min: MinBackoff, Max: MaxBackoff, current: MinBackoff}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	if b.current < b.Min {
		b.current = b.Min
	}
	d := b.current
	b.current = min(b.current*2, b.Max)
	return d
}

// Reset is called after every successful connect.
func (b *Backoff) Reset() {
	b.current = b.Min
}

// Current is the delay Next would return.
func (b *Backoff) Current() time.Duration {
	if b.current < b.Min {
		return b.Min
	}
	return b.current
}
