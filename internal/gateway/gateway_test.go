package gateway

import (
	"context"
	"testing"
	"time"

	"routedispatch/internal/model"
	"routedispatch/internal/provider"
)

// scriptedProvider fails a set number of times, then succeeds, counting calls.
type scriptedProvider struct {
	calls    int
	failures int
	outcome  string
}

func (p *scriptedProvider) PlanRoute(ctx context.Context, req provider.PlanRequest) (provider.PlanResult, error) {
	p.calls++
	if p.calls <= p.failures {
		return provider.PlanResult{}, &provider.CallError{Outcome: p.outcome}
	}
	res := provider.PlanResult{Confidence: 0.95, TotalDistanceM: 1000, TotalDurationSec: 600}
	for i, st := range req.Stops {
		res.Ordered = append(res.Ordered, provider.PlannedStop{StopID: st.ID, ETASec: (i + 1) * 60})
	}
	return res, nil
}

func (p *scriptedProvider) EstimateTravel(ctx context.Context, from, to model.GeoPoint) (provider.TravelEstimate, error) {
	p.calls++
	if p.calls <= p.failures {
		return provider.TravelEstimate{}, &provider.CallError{Outcome: p.outcome}
	}
	return provider.TravelEstimate{DistanceM: 500, DurationSec: 60}, nil
}

func planReq(n int) provider.PlanRequest {
	req := provider.PlanRequest{Depot: model.GeoPoint{Lat: 0, Lng: 0}}
	for i := 0; i < n; i++ {
		req.Stops = append(req.Stops, provider.Stop{
			ID:       string(rune('a' + i)),
			Location: model.GeoPoint{Lat: float64(i) * 0.01, Lng: 0},
		})
	}
	return req
}

func TestGatewayFallsBackWhenProviderFails(t *testing.T) {
	live := &scriptedProvider{failures: 100, outcome: provider.OutcomeServiceUnavailable}
	g := New(live, nil, nil, Config{CircuitThreshold: 5}, nil)

	res, err := g.PlanRoute(context.Background(), planReq(3))
	if err != nil {
		t.Fatalf("PlanRoute must always return a plan: %v", err)
	}
	if !res.Degraded {
		t.Fatal("fallback plan must be tagged degraded")
	}
	if len(res.Ordered) != 3 {
		t.Fatalf("got %d stops, want 3", len(res.Ordered))
	}
}

func TestGatewayCircuitStopsCallingProvider(t *testing.T) {
	live := &scriptedProvider{failures: 100, outcome: provider.OutcomeServiceUnavailable}
	g := New(live, nil, nil, Config{CircuitThreshold: 5, CircuitCooldown: time.Hour, PlanTTL: time.Nanosecond}, nil)

	// Use distinct requests so the cache never short-circuits the provider.
	for i := 0; i < 10; i++ {
		req := planReq(2)
		req.Constraints.MaxDurationSec = i + 1
		if _, err := g.PlanRoute(context.Background(), req); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if live.calls != 5 {
		t.Fatalf("provider called %d times, want 5 (circuit opens at threshold)", live.calls)
	}
	if g.breaker.State(provider.CategoryRouting) != CircuitOpen {
		t.Fatalf("circuit = %s, want open", g.breaker.State(provider.CategoryRouting))
	}
}

func TestGatewayCacheHitSkipsProvider(t *testing.T) {
	live := &scriptedProvider{}
	g := New(live, nil, nil, Config{}, nil)

	req := planReq(3)
	if _, err := g.PlanRoute(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := g.PlanRoute(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if live.calls != 1 {
		t.Fatalf("provider called %d times, want 1 (second call served from cache)", live.calls)
	}
}

func TestGatewayCacheKeyIgnoresStopOrder(t *testing.T) {
	a := planReq(3)
	b := planReq(3)
	b.Stops[0], b.Stops[2] = b.Stops[2], b.Stops[0]
	if PlanCacheKey(a) != PlanCacheKey(b) {
		t.Fatal("same stop set in different order must share a cache key")
	}
	c := planReq(3)
	c.Stops[0].Location.Lat += 0.01
	if PlanCacheKey(a) == PlanCacheKey(c) {
		t.Fatal("moved stop must change the cache key")
	}
}

func TestGatewayQuotaExhaustedUsesFallback(t *testing.T) {
	live := &scriptedProvider{}
	g := New(live, nil, nil, Config{
		Rates: map[string]RateLimits{
			provider.CategoryRouting: {CallsPerSecond: 100, Burst: 100, DailyQuota: 1},
		},
	}, nil)

	first := planReq(2)
	if _, err := g.PlanRoute(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	second := planReq(3)
	res, err := g.PlanRoute(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Fatal("over-quota call must degrade to fallback")
	}
	if live.calls != 1 {
		t.Fatalf("provider called %d times, want 1", live.calls)
	}
}

func TestGatewayCostCriticalForcesCircuitOpen(t *testing.T) {
	live := &scriptedProvider{}
	var alerts []string
	g := New(live, nil, nil, Config{
		Cost: CostConfig{
			CostPerCall:   map[string]float64{provider.CategoryRouting: 10},
			DailyCritical: 10,
		},
	}, func(level, category string, total float64) {
		alerts = append(alerts, level)
	})

	if _, err := g.PlanRoute(context.Background(), planReq(2)); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0] != CostCritical {
		t.Fatalf("alerts = %v, want one critical", alerts)
	}
	if g.breaker.State(provider.CategoryRouting) != CircuitOpen {
		t.Fatal("critical spend must force the circuit open")
	}

	// Next call degrades without touching the provider.
	res, err := g.PlanRoute(context.Background(), planReq(3))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded || live.calls != 1 {
		t.Fatalf("degraded=%v calls=%d, want degraded via fallback with 1 provider call", res.Degraded, live.calls)
	}
}

func TestGatewayNilProviderAlwaysFallback(t *testing.T) {
	g := New(nil, nil, nil, Config{}, nil)
	res, err := g.PlanRoute(context.Background(), planReq(2))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Fatal("no live provider configured, result must be degraded")
	}
}

func TestGatewayEmptyStops(t *testing.T) {
	live := &scriptedProvider{}
	g := New(live, nil, nil, Config{}, nil)
	res, err := g.PlanRoute(context.Background(), provider.PlanRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ordered) != 0 || live.calls != 0 {
		t.Fatalf("empty request must short-circuit: %+v calls=%d", res, live.calls)
	}
}

func TestGatewayEstimateTravelCached(t *testing.T) {
	live := &scriptedProvider{}
	g := New(live, nil, nil, Config{}, nil)
	from := model.GeoPoint{Lat: 1, Lng: 1}
	to := model.GeoPoint{Lat: 2, Lng: 2}
	if _, err := g.EstimateTravel(context.Background(), from, to); err != nil {
		t.Fatal(err)
	}
	if _, err := g.EstimateTravel(context.Background(), from, to); err != nil {
		t.Fatal(err)
	}
	if live.calls != 1 {
		t.Fatalf("provider called %d times, want 1", live.calls)
	}
}
