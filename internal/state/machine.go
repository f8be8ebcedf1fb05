// Package state holds the route and stop lifecycle rules. Stores enforce the
// transitions atomically; this package decides which transitions are legal and
// produces the error callers see when one is not.
package state

import (
	"fmt"

	"routedispatch/internal/model"
)

// InvalidStateTransitionError is returned for illegal lifecycle moves. It is
// a caller error and must never be retried automatically.
type InvalidStateTransitionError struct {
	Entity    string // "route" or "stop"
	ID        string
	From      string
	Attempted string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s is %q, cannot %s", e.Entity, e.ID, e.From, e.Attempted)
}

// routeTransitions maps current status to the set of statuses reachable from it.
var routeTransitions = map[string]map[string]bool{
	model.RoutePlanned:    {model.RouteOptimized: true, model.RouteInProgress: true, model.RouteCancelled: true},
	model.RouteOptimized:  {model.RouteOptimized: true, model.RouteInProgress: true, model.RouteCancelled: true},
	model.RouteInProgress: {model.RouteCompleted: true, model.RouteCancelled: true},
	model.RouteCompleted:  {},
	model.RouteCancelled:  {},
}

// CanTransition reports whether a route may move from one status to another.
func CanTransition(from, to string) bool {
	return routeTransitions[from][to]
}

// CheckTransition returns an InvalidStateTransitionError when the move is not
// allowed.
func CheckTransition(routeID, from, to string) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidStateTransitionError{Entity: "route", ID: routeID, From: from, Attempted: "transition to " + to}
}

// CheckStart validates the planned/optimized -> in_progress move. A route
// with zero stops cannot be started.
func CheckStart(r model.Route) error {
	if err := CheckTransition(r.ID, r.Status, model.RouteInProgress); err != nil {
		return err
	}
	if len(r.Stops) == 0 {
		return &InvalidStateTransitionError{Entity: "route", ID: r.ID, From: r.Status, Attempted: "start with zero stops"}
	}
	return nil
}

// CheckReplan validates that a route's stop sequence may still be replaced.
// Once in_progress the sequence is frozen; a late optimization result must be
// discarded, not applied.
func CheckReplan(r model.Route) error {
	if r.Status == model.RoutePlanned || r.Status == model.RouteOptimized {
		return nil
	}
	return &InvalidStateTransitionError{Entity: "route", ID: r.ID, From: r.Status, Attempted: "replace stop sequence"}
}

// CheckCompleteStop validates marking a stop completed. Requires the route to
// be in_progress and the stop still pending; completion is write-once.
func CheckCompleteStop(r model.Route, stop model.RouteStop) error {
	if stop.Completed {
		return &InvalidStateTransitionError{Entity: "stop", ID: stop.ID, From: "completed", Attempted: "complete again"}
	}
	if r.Status != model.RouteInProgress {
		return &InvalidStateTransitionError{Entity: "stop", ID: stop.ID, From: r.Status, Attempted: "complete stop"}
	}
	return nil
}

// CheckCompleteRoute validates in_progress -> completed. Every stop must be
// completed first.
func CheckCompleteRoute(r model.Route) error {
	if err := CheckTransition(r.ID, r.Status, model.RouteCompleted); err != nil {
		return err
	}
	for _, st := range r.Stops {
		if !st.Completed {
			return &InvalidStateTransitionError{Entity: "route", ID: r.ID, From: r.Status, Attempted: "complete with pending stop " + st.ID}
		}
	}
	return nil
}

// CheckCancel validates cancellation, reachable from any non-terminal state.
func CheckCancel(r model.Route) error {
	return CheckTransition(r.ID, r.Status, model.RouteCancelled)
}

// CheckAppendStop validates appending an emergency stop. Allowed while the
// sequence is still mutable and also mid-route (at the end only).
func CheckAppendStop(r model.Route) error {
	switch r.Status {
	case model.RoutePlanned, model.RouteOptimized, model.RouteInProgress:
		return nil
	}
	return &InvalidStateTransitionError{Entity: "route", ID: r.ID, From: r.Status, Attempted: "append stop"}
}

// ValidateSequence checks that stop sequence numbers form a contiguous
// permutation of 1..N.
func ValidateSequence(stops []model.RouteStop) error {
	seen := make(map[int]bool, len(stops))
	for _, st := range stops {
		if st.Seq < 1 || st.Seq > len(stops) {
			return fmt.Errorf("stop %s: seq %d out of range 1..%d", st.ID, st.Seq, len(stops))
		}
		if seen[st.Seq] {
			return fmt.Errorf("stop %s: duplicate seq %d", st.ID, st.Seq)
		}
		seen[st.Seq] = true
	}
	return nil
}
