package gateway

import (
	"testing"
	"time"
)

func TestCircuitOpensAtThreshold(t *testing.T) {
	b := NewCircuitBreaker(5, 30*time.Second)
	for i := 0; i < 4; i++ {
		b.RecordFailure("routing")
	}
	if got := b.State("routing"); got != CircuitClosed {
		t.Fatalf("state after 4 failures = %s, want closed", got)
	}
	b.RecordFailure("routing")
	if got := b.State("routing"); got != CircuitOpen {
		t.Fatalf("state after 5 failures = %s, want open", got)
	}
	if b.Allow("routing") {
		t.Fatal("open circuit must not allow calls before cooldown")
	}
}

func TestCircuitHalfOpenSingleProbe(t *testing.T) {
	b := NewCircuitBreaker(1, 30*time.Second)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.RecordFailure("routing")
	if b.Allow("routing") {
		t.Fatal("no calls during cooldown")
	}
	clock = clock.Add(31 * time.Second)
	if !b.Allow("routing") {
		t.Fatal("first caller after cooldown gets the probe")
	}
	if got := b.State("routing"); got != CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}
	if b.Allow("routing") {
		t.Fatal("only one probe may be in flight")
	}
	b.RecordSuccess("routing")
	if got := b.State("routing"); got != CircuitClosed {
		t.Fatalf("state after probe success = %s, want closed", got)
	}
	if !b.Allow("routing") {
		t.Fatal("closed circuit allows calls")
	}
}

func TestCircuitProbeFailureResetsCooldown(t *testing.T) {
	b := NewCircuitBreaker(1, 30*time.Second)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.RecordFailure("routing")
	clock = clock.Add(31 * time.Second)
	if !b.Allow("routing") {
		t.Fatal("probe expected")
	}
	b.RecordFailure("routing")
	if got := b.State("routing"); got != CircuitOpen {
		t.Fatalf("state after failed probe = %s, want open", got)
	}
	// Cooldown restarts from the failed probe, not the original trip.
	clock = clock.Add(29 * time.Second)
	if b.Allow("routing") {
		t.Fatal("cooldown not elapsed yet")
	}
	clock = clock.Add(2 * time.Second)
	if !b.Allow("routing") {
		t.Fatal("new probe after fresh cooldown")
	}
}

func TestCircuitReleaseProbe(t *testing.T) {
	b := NewCircuitBreaker(1, time.Second)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.RecordFailure("routing")
	clock = clock.Add(2 * time.Second)
	if !b.Allow("routing") {
		t.Fatal("probe expected")
	}
	b.ReleaseProbe("routing")
	if !b.Allow("routing") {
		t.Fatal("released probe slot should be grantable again")
	}
}

func TestCircuitForceOpen(t *testing.T) {
	b := NewCircuitBreaker(5, time.Second)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.ForceOpenUntil("routing", clock.Add(time.Hour))
	if b.Allow("routing") {
		t.Fatal("forced-open circuit must reject calls")
	}
	if got := b.State("routing"); got != CircuitOpen {
		t.Fatalf("state = %s, want open", got)
	}
	clock = clock.Add(61 * time.Minute)
	if !b.Allow("routing") {
		t.Fatal("force-open deadline passed, calls should flow")
	}
}
