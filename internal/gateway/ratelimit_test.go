package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireQuotaExhausted(t *testing.T) {
	l := NewLimiter(map[string]RateLimits{
		"plan": {CallsPerSecond: 1000, Burst: 10, DailyQuota: 2},
	}, time.Second)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, "plan"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if err := l.Acquire(ctx, "plan"); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("third call = %v, want quota exhausted", err)
	}
	if rem := l.QuotaRemaining("plan"); rem != 0 {
		t.Fatalf("remaining = %d", rem)
	}
}

func TestAcquireQuotaHoldsUnderConcurrency(t *testing.T) {
	const quota = 5
	l := NewLimiter(map[string]RateLimits{
		"plan": {CallsPerSecond: 1000, Burst: 64, DailyQuota: quota},
	}, time.Second)
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, "plan"); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if int(granted.Load()) != quota {
		t.Fatalf("granted %d calls, want exactly %d", granted.Load(), quota)
	}
}

func TestQuotaResetsNextDay(t *testing.T) {
	l := NewLimiter(map[string]RateLimits{
		"plan": {CallsPerSecond: 1000, Burst: 10, DailyQuota: 1},
	}, time.Second)
	day := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day }
	ctx := context.Background()

	if err := l.Acquire(ctx, "plan"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx, "plan"); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("second call = %v", err)
	}
	day = day.Add(24 * time.Hour)
	if err := l.Acquire(ctx, "plan"); err != nil {
		t.Fatalf("new day should reset the quota: %v", err)
	}
}
