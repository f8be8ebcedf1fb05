package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited means the per-second ceiling was still exceeded after
	// the bounded wait and single recheck.
	ErrRateLimited = errors.New("gateway: rate limit exceeded")
	// ErrQuotaExhausted means the daily call quota is spent; permanent for
	// the rest of the day.
	ErrQuotaExhausted = errors.New("gateway: daily quota exhausted")
)

// RateLimits configures one category.
type RateLimits struct {
	CallsPerSecond float64
	Burst          int
	DailyQuota     int
}

// Limiter enforces a per-category calls-per-second ceiling and a calls-per-day
// quota. The per-second ceiling blocks callers for at most maxWait before
// rechecking once; the daily quota fails immediately.
type Limiter struct {
	mu      sync.Mutex
	cats    map[string]*catLimiter
	maxWait time.Duration
	now     func() time.Time
}

type catLimiter struct {
	lim   *rate.Limiter
	quota int
	used  int
	day   string
}

func NewLimiter(limits map[string]RateLimits, maxWait time.Duration) *Limiter {
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	l := &Limiter{cats: map[string]*catLimiter{}, maxWait: maxWait, now: time.Now}
	for cat, cfg := range limits {
		rps := cfg.CallsPerSecond
		if rps <= 0 {
			rps = 5
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.cats[cat] = &catLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst), quota: cfg.DailyQuota}
	}
	return l
}

func (l *Limiter) get(category string) *catLimiter {
	c := l.cats[category]
	if c == nil {
		c = &catLimiter{lim: rate.NewLimiter(5, 1)}
		l.cats[category] = c
	}
	return c
}

// Acquire takes one call slot for the category or reports why it cannot.
func (l *Limiter) Acquire(ctx context.Context, category string) error {
	l.mu.Lock()
	c := l.get(category)
	day := l.now().Format("2006-01-02")
	if c.day != day {
		c.day = day
		c.used = 0
	}
	if c.quota > 0 && c.used >= c.quota {
		l.mu.Unlock()
		return ErrQuotaExhausted
	}
	lim := c.lim
	l.mu.Unlock()

	if !lim.Allow() {
		// Bounded wait, then recheck once. Never block callers indefinitely.
		waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
		err := lim.Wait(waitCtx)
		cancel()
		if err != nil && !lim.Allow() {
			return ErrRateLimited
		}
	}

	// Recheck the quota before claiming the slot; concurrent callers may have
	// spent the remaining calls during the wait, and the day may have rolled.
	l.mu.Lock()
	day = l.now().Format("2006-01-02")
	if c.day != day {
		c.day = day
		c.used = 0
	}
	if c.quota > 0 && c.used >= c.quota {
		l.mu.Unlock()
		return ErrQuotaExhausted
	}
	c.used++
	l.mu.Unlock()
	return nil
}

// QuotaRemaining reports the category's remaining daily calls (-1 when
// unlimited).
func (l *Limiter) QuotaRemaining(category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.get(category)
	if c.quota <= 0 {
		return -1
	}
	if c.day != l.now().Format("2006-01-02") {
		return c.quota
	}
	rem := c.quota - c.used
	if rem < 0 {
		rem = 0
	}
	return rem
}
