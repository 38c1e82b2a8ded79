package portal

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a process-wide circuit breaker. After threshold consecutive
// failures inside window it opens, short-circuiting calls for cooldown.
// On cooldown expiry a single probe is let through; its outcome decides
// whether the circuit closes again.
type Breaker struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	state        breakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

// NewBreaker creates a breaker with the given thresholds.
func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open state only the
// first caller gets through; the rest are rejected until the probe settles.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = stateClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure, reopening from half-open immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = now
		b.probing = false
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++

	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = now
		b.failures = 0
	}
}

// Open reports whether the circuit currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.cooldown
}
