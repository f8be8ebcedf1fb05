// Package provider defines the routing/prediction provider port and its two
// implementations: the live HTTP provider and the local fallback heuristic.
package provider

import (
	"context"
	"fmt"

	"routedispatch/internal/model"
)

// API categories. Each carries its own circuit, rate limits and cost ledger.
const (
	CategoryRouting    = "routing"
	CategoryPrediction = "prediction"
)

// Call outcomes. Everything but OutcomeSuccess maps onto the transient /
// permanent taxonomy via Transient().
const (
	OutcomeSuccess            = "success"
	OutcomeRateLimited        = "rate_limited"
	OutcomeQuotaExceeded      = "quota_exceeded"
	OutcomeInvalidCredential  = "invalid_credential"
	OutcomeServiceUnavailable = "service_unavailable"
	OutcomeNetworkError       = "network_error"
	OutcomeInvalidRequest     = "invalid_request"
	OutcomeSkippedOpenCircuit = "skipped_open_circuit"
)

// Transient reports whether an outcome should count toward the circuit
// breaker and be retried with backoff. Permanent outcomes go straight to
// fallback.
func Transient(outcome string) bool {
	switch outcome {
	case OutcomeRateLimited, OutcomeServiceUnavailable, OutcomeNetworkError:
		return true
	}
	return false
}

// CallError carries the classified outcome of a failed provider call.
type CallError struct {
	Outcome string
	Err     error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return "provider: " + e.Outcome
	}
	return fmt.Sprintf("provider: %s: %v", e.Outcome, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Stop is one delivery point handed to the provider.
type Stop struct {
	ID         string            `json:"id"`
	Location   model.GeoPoint    `json:"location"`
	TimeWindow *model.TimeWindow `json:"timeWindow,omitempty"`
	Priority   int               `json:"priority,omitempty"`
}

// Constraints bound a plan request.
type Constraints struct {
	MaxDurationSec int  `json:"maxDurationSec,omitempty"`
	ReturnToDepot  bool `json:"returnToDepot,omitempty"`
}

type PlanRequest struct {
	Depot       model.GeoPoint `json:"depot"`
	Stops       []Stop         `json:"stops"`
	Constraints Constraints    `json:"constraints"`
}

// PlannedStop is one stop in provider traversal order with cumulative
// estimates from the depot.
type PlannedStop struct {
	StopID         string `json:"stopId"`
	ETASec         int    `json:"etaSec"` // seconds after route start
	LegDistanceM   int    `json:"legDistanceM"`
	LegDurationSec int    `json:"legDurationSec"`
}

type PlanResult struct {
	Ordered          []PlannedStop `json:"ordered"`
	TotalDistanceM   int           `json:"totalDistanceM"`
	TotalDurationSec int           `json:"totalDurationSec"`
	Confidence       float64       `json:"confidence"`
	Degraded         bool          `json:"degraded,omitempty"` // produced by the fallback heuristic
}

type TravelEstimate struct {
	DistanceM   int `json:"distanceM"`
	DurationSec int `json:"durationSec"`
}

// RoutingProvider is the port the Gateway drives. Implementations must be
// safe for concurrent use.
type RoutingProvider interface {
	PlanRoute(ctx context.Context, req PlanRequest) (PlanResult, error)
	EstimateTravel(ctx context.Context, from, to model.GeoPoint) (TravelEstimate, error)
}
