// Package gateway wraps the external routing/prediction provider with the
// resilience shell: response cache, circuit breaker, rate limiter, cost
// governor and local fallback heuristic. Side effects stay inside the
// gateway; no route or order state is touched here.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
	"routedispatch/internal/provider"
)

// Config bounds the gateway's behavior. Zero values get sensible defaults.
type Config struct {
	CallTimeout      time.Duration
	PlanTTL          time.Duration
	EstimateTTL      time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	RateMaxWait      time.Duration
	Rates            map[string]RateLimits
	Cost             CostConfig
}

// Gateway selects between the live provider and the fallback heuristic based
// on circuit, quota and spend state. Callers always get a usable plan.
type Gateway struct {
	live     provider.RoutingProvider
	fallback provider.RoutingProvider
	cache    Cache
	breaker  *CircuitBreaker
	limiter  *Limiter
	cost     *CostGovernor

	callTimeout time.Duration
	planTTL     time.Duration
	estimateTTL time.Duration

	statsMu sync.Mutex
	stats   map[string]map[string]int // hour bucket -> "category|outcome" -> count
}

// New builds a Gateway. live may be nil (no provider configured), in which
// case every call is served by the fallback heuristic.
func New(live provider.RoutingProvider, fallback provider.RoutingProvider, cache Cache, cfg Config, costNotify func(level, category string, total float64)) *Gateway {
	if fallback == nil {
		fallback = provider.NewFallbackProvider()
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.PlanTTL <= 0 {
		cfg.PlanTTL = 20 * time.Minute
	}
	if cfg.EstimateTTL <= 0 {
		cfg.EstimateTTL = 24 * time.Hour
	}
	return &Gateway{
		live:        live,
		fallback:    fallback,
		cache:       cache,
		breaker:     NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		limiter:     NewLimiter(cfg.Rates, cfg.RateMaxWait),
		cost:        NewCostGovernor(cfg.Cost, costNotify),
		callTimeout: cfg.CallTimeout,
		planTTL:     cfg.PlanTTL,
		estimateTTL: cfg.EstimateTTL,
		stats:       map[string]map[string]int{},
	}
}

// PlanRoute returns a stop ordering with ETAs. Cache hit, then provider
// behind circuit/rate/cost guards, then fallback; the result is tagged
// Degraded when the heuristic produced it.
func (g *Gateway) PlanRoute(ctx context.Context, req provider.PlanRequest) (provider.PlanResult, error) {
	if len(req.Stops) == 0 {
		return provider.PlanResult{Confidence: 1}, nil
	}
	key := PlanCacheKey(req)
	var cached provider.PlanResult
	if g.cache.Get(ctx, key, &cached) && len(cached.Ordered) == len(req.Stops) {
		metrics.GatewayCacheLookups.WithLabelValues(provider.CategoryRouting, "hit").Inc()
		return cached, nil
	}
	metrics.GatewayCacheLookups.WithLabelValues(provider.CategoryRouting, "miss").Inc()

	if g.live == nil || !g.gateOK(ctx, provider.CategoryRouting) {
		return g.fallback.PlanRoute(ctx, req)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	start := time.Now()
	res, err := g.live.PlanRoute(callCtx, req)
	cancel()
	g.settle(provider.CategoryRouting, start, err)
	if err != nil {
		return g.fallback.PlanRoute(ctx, req)
	}
	g.cache.Set(ctx, key, res, g.planTTL)
	return res, nil
}

// EstimateTravel returns distance/duration between two points.
func (g *Gateway) EstimateTravel(ctx context.Context, from, to model.GeoPoint) (provider.TravelEstimate, error) {
	key := TravelCacheKey(from, to)
	var cached provider.TravelEstimate
	if g.cache.Get(ctx, key, &cached) {
		metrics.GatewayCacheLookups.WithLabelValues(provider.CategoryPrediction, "hit").Inc()
		return cached, nil
	}
	metrics.GatewayCacheLookups.WithLabelValues(provider.CategoryPrediction, "miss").Inc()

	if g.live == nil || !g.gateOK(ctx, provider.CategoryPrediction) {
		return g.fallback.EstimateTravel(ctx, from, to)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	start := time.Now()
	res, err := g.live.EstimateTravel(callCtx, from, to)
	cancel()
	g.settle(provider.CategoryPrediction, start, err)
	if err != nil {
		return g.fallback.EstimateTravel(ctx, from, to)
	}
	g.cache.Set(ctx, key, res, g.estimateTTL)
	return res, nil
}

// gateOK runs the pre-call guards: circuit, then rate limiter/daily quota.
// Guard rejections are recorded but do not count as provider failures.
func (g *Gateway) gateOK(ctx context.Context, category string) bool {
	if !g.breaker.Allow(category) {
		g.record(category, provider.OutcomeSkippedOpenCircuit, 0)
		return false
	}
	if err := g.limiter.Acquire(ctx, category); err != nil {
		outcome := provider.OutcomeRateLimited
		if errors.Is(err, ErrQuotaExhausted) {
			outcome = provider.OutcomeQuotaExceeded
		}
		g.record(category, outcome, 0)
		// The breaker granted this attempt (possibly a half-open probe);
		// release it without counting a provider outcome.
		g.breaker.ReleaseProbe(category)
		return false
	}
	return true
}

// settle classifies and accounts a completed provider call.
func (g *Gateway) settle(category string, start time.Time, err error) {
	latency := time.Since(start)
	if until := g.cost.Record(category); !until.IsZero() {
		g.breaker.ForceOpenUntil(category, until)
	}
	day, month := g.cost.Totals()
	metrics.ProviderSpend.WithLabelValues("day").Set(day)
	metrics.ProviderSpend.WithLabelValues("month").Set(month)

	if err == nil {
		g.breaker.RecordSuccess(category)
		g.record(category, provider.OutcomeSuccess, latency)
		return
	}
	outcome := provider.OutcomeNetworkError
	var ce *provider.CallError
	if errors.As(err, &ce) {
		outcome = ce.Outcome
	}
	g.breaker.RecordFailure(category)
	g.record(category, outcome, latency)
	if g.breaker.State(category) == CircuitOpen {
		log.Printf("gateway: circuit open for %s after failure: %v", category, err)
	}
}

// record rolls one call attempt into the metrics and the hourly counters.
func (g *Gateway) record(category, outcome string, latency time.Duration) {
	metrics.ProviderCalls.WithLabelValues(category, outcome).Inc()
	if latency > 0 {
		metrics.ProviderLatency.WithLabelValues(category).Observe(latency.Seconds())
	}
	metrics.CircuitState.WithLabelValues(category).Set(circuitStateValue(g.breaker.State(category)))

	bucket := time.Now().UTC().Format("2006-01-02T15")
	g.statsMu.Lock()
	if g.stats[bucket] == nil {
		g.stats[bucket] = map[string]int{}
		if len(g.stats) > 24 {
			cutoff := time.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02T15")
			for b := range g.stats {
				if b < cutoff {
					delete(g.stats, b)
				}
			}
		}
	}
	g.stats[bucket][category+"|"+outcome]++
	g.statsMu.Unlock()
}

// Stats returns hourly call counters, circuit states and spend totals for
// the debug endpoint.
func (g *Gateway) Stats() map[string]any {
	g.statsMu.Lock()
	buckets := make(map[string]map[string]int, len(g.stats))
	for b, m := range g.stats {
		cp := make(map[string]int, len(m))
		for k, v := range m {
			cp[k] = v
		}
		buckets[b] = cp
	}
	g.statsMu.Unlock()
	day, month := g.cost.Totals()
	return map[string]any{
		"buckets": buckets,
		"circuits": map[string]string{
			provider.CategoryRouting:    g.breaker.State(provider.CategoryRouting),
			provider.CategoryPrediction: g.breaker.State(provider.CategoryPrediction),
		},
		"quotaRemaining": map[string]int{
			provider.CategoryRouting:    g.limiter.QuotaRemaining(provider.CategoryRouting),
			provider.CategoryPrediction: g.limiter.QuotaRemaining(provider.CategoryPrediction),
		},
		"spendDay":   day,
		"spendMonth": month,
	}
}

func circuitStateValue(state string) float64 {
	switch state {
	case CircuitClosed:
		return 0
	case CircuitHalfOpen:
		return 1
	default:
		return 2
	}
}
