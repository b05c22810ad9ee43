// Package resilience provides reliability patterns for calls to the
// source-control host.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("breaker open")

// State is the breaker's lifecycle position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker is a circuit breaker: after a run of consecutive failures it
// rejects calls outright for a cooldown period, then lets a probe call
// through. A probe failure reopens it immediately; a probe success
// closes it.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	limit    int
	cooldown time.Duration
	openedAt time.Time

	clock func() time.Time
}

// NewBreaker creates a breaker that opens after limit consecutive
// failures and cools down for the given duration.
func NewBreaker(limit int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:    StateClosed,
		limit:    limit,
		cooldown: cooldown,
		clock:    time.Now,
	}
}

// Do runs fn unless the breaker is open, and records the result.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}

	err := fn()
	b.record(err)
	return err
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.clock().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		return true
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = StateClosed
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.limit {
		b.state = StateOpen
		b.openedAt = b.clock()
	}
}
