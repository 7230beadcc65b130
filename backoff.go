package hellodev

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff maps a reconnect attempt number to a delay: exponential from Base, capped at
// Max, plus up to half of Base of jitter. A connection that stayed up for StableAfter
// resets the attempt counter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means unlimited
	StableAfter time.Duration
	Clock       Clock
	// Jitter returns a value in [0,1). Defaults to math/rand.
	Jitter func() float64

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

// Delay is the delay before attempt (0-based), without touching the counter.
func (b *Backoff) Delay(attempt int) time.Duration {
	jitter := b.jitter() * float64(b.Base) * 0.5
	d := math.Min(float64(b.Base)*math.Pow(2, float64(attempt))+jitter, float64(b.Max))
	return time.Duration(d)
}

// Next returns the delay for the next attempt and advances the counter. ok is false
// once MaxAttempts is exhausted.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connectedAt.IsZero() && b.clock().Now().Sub(b.connectedAt) > b.StableAfter {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	delay = b.Delay(b.attempt)
	b.attempt++
	return delay, true
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// MarkConnected records a successful handshake.
func (b *Backoff) MarkConnected() {
	b.mu.Lock()
	b.connectedAt = b.clock().Now()
	b.mu.Unlock()
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.connectedAt = time.Time{}
	b.mu.Unlock()
}

func (b *Backoff) clock() Clock {
	if b.Clock == nil {
		return systemClock{}
	}
	return b.Clock
}

func (b *Backoff) jitter() float64 {
	if b.Jitter == nil {
		return rand.Float64()
	}
	return b.Jitter()
}
