package gateway

import (
	"sync"
	"time"
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitBreaker tracks one circuit per API category. Transitions follow
// closed -> open -> half_open -> {closed|open}. All state is mutated under
// the breaker's lock; callers never see intermediate states.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	circuits  map[string]*circuit
}

type circuit struct {
	state           string
	failures        int
	lastFailureAt   time.Time
	openedAt        time.Time
	probeInFlight   bool
	forcedOpenUntil time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  map[string]*circuit{},
	}
}

func (b *CircuitBreaker) get(category string) *circuit {
	c := b.circuits[category]
	if c == nil {
		c = &circuit{state: CircuitClosed}
		b.circuits[category] = c
	}
	return c
}

// Allow reports whether a provider call may proceed for the category. When an
// open circuit's cooldown has elapsed it moves to half_open and exactly one
// caller is granted a trial call.
func (b *CircuitBreaker) Allow(category string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(category)
	now := b.now()

	if now.Before(c.forcedOpenUntil) {
		return false
	}
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(c.openedAt) < b.cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the category's circuit and resets its failure counter.
func (b *CircuitBreaker) RecordSuccess(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(category)
	c.state = CircuitClosed
	c.failures = 0
	c.probeInFlight = false
}

// RecordFailure counts a failed call. A failed half_open probe reopens the
// circuit and resets the cooldown clock; crossing the threshold while closed
// opens it.
func (b *CircuitBreaker) RecordFailure(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(category)
	now := b.now()
	c.failures++
	c.lastFailureAt = now
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.probeInFlight = false
		return
	}
	if c.state == CircuitClosed && c.failures >= b.threshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

// ReleaseProbe returns an unused half_open trial slot without recording an
// outcome, e.g. when the rate limiter rejected the attempt before any
// network call happened.
func (b *CircuitBreaker) ReleaseProbe(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(category)
	if c.state == CircuitHalfOpen {
		c.probeInFlight = false
	}
}

// ForceOpenUntil makes the category behave as open until the deadline
// regardless of failure count. Used by the cost governor's spend breaker.
func (b *CircuitBreaker) ForceOpenUntil(category string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(category)
	if until.After(c.forcedOpenUntil) {
		c.forcedOpenUntil = until
	}
}

// State returns the category's current state for metrics and debug output.
func (b *CircuitBreaker) State(category string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(category)
	if b.now().Before(c.forcedOpenUntil) {
		return CircuitOpen
	}
	return c.state
}
