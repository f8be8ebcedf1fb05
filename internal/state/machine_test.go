package state

import (
	"errors"
	"testing"

	"routedispatch/internal/model"
)

func TestRouteTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{model.RoutePlanned, model.RouteInProgress, true},
		{model.RoutePlanned, model.RouteOptimized, true},
		{model.RouteOptimized, model.RouteInProgress, true},
		{model.RouteOptimized, model.RouteOptimized, true},
		{model.RouteInProgress, model.RouteCompleted, true},
		{model.RoutePlanned, model.RouteCancelled, true},
		{model.RouteOptimized, model.RouteCancelled, true},
		{model.RouteInProgress, model.RouteCancelled, true},
		{model.RouteCompleted, model.RouteCancelled, false},
		{model.RouteCancelled, model.RouteInProgress, false},
		{model.RouteCompleted, model.RouteInProgress, false},
		{model.RouteInProgress, model.RouteOptimized, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestCheckStartRequiresStops(t *testing.T) {
	r := model.Route{ID: "r1", Status: model.RoutePlanned}
	err := CheckStart(r)
	var ste *InvalidStateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected InvalidStateTransitionError, got %v", err)
	}
	r.Stops = []model.RouteStop{{ID: "s1", Seq: 1}}
	if err := CheckStart(r); err != nil {
		t.Fatalf("start with stops should be allowed: %v", err)
	}
}

func TestCheckReplanFrozenOnceStarted(t *testing.T) {
	for _, status := range []string{model.RoutePlanned, model.RouteOptimized} {
		if err := CheckReplan(model.Route{ID: "r1", Status: status}); err != nil {
			t.Fatalf("replan from %s should be allowed: %v", status, err)
		}
	}
	for _, status := range []string{model.RouteInProgress, model.RouteCompleted, model.RouteCancelled} {
		if err := CheckReplan(model.Route{ID: "r1", Status: status}); err == nil {
			t.Fatalf("replan from %s should be rejected", status)
		}
	}
}

func TestCheckCompleteStop(t *testing.T) {
	r := model.Route{ID: "r1", Status: model.RouteInProgress}
	if err := CheckCompleteStop(r, model.RouteStop{ID: "s1"}); err != nil {
		t.Fatalf("pending stop on in_progress route: %v", err)
	}
	if err := CheckCompleteStop(r, model.RouteStop{ID: "s1", Completed: true}); err == nil {
		t.Fatal("completed stop must not complete again")
	}
	r.Status = model.RoutePlanned
	if err := CheckCompleteStop(r, model.RouteStop{ID: "s1"}); err == nil {
		t.Fatal("completion requires in_progress route")
	}
}

func TestCheckCompleteRouteRequiresAllStops(t *testing.T) {
	r := model.Route{ID: "r1", Status: model.RouteInProgress, Stops: []model.RouteStop{
		{ID: "s1", Seq: 1, Completed: true},
		{ID: "s2", Seq: 2},
	}}
	if err := CheckCompleteRoute(r); err == nil {
		t.Fatal("route with pending stop must not complete")
	}
	r.Stops[1].Completed = true
	if err := CheckCompleteRoute(r); err != nil {
		t.Fatalf("all stops done, complete should pass: %v", err)
	}
}

func TestValidateSequence(t *testing.T) {
	ok := []model.RouteStop{{ID: "a", Seq: 2}, {ID: "b", Seq: 1}, {ID: "c", Seq: 3}}
	if err := ValidateSequence(ok); err != nil {
		t.Fatalf("permutation 1..3 should validate: %v", err)
	}
	dup := []model.RouteStop{{ID: "a", Seq: 1}, {ID: "b", Seq: 1}}
	if err := ValidateSequence(dup); err == nil {
		t.Fatal("duplicate seq must fail")
	}
	gap := []model.RouteStop{{ID: "a", Seq: 1}, {ID: "b", Seq: 3}}
	if err := ValidateSequence(gap); err == nil {
		t.Fatal("gapped seq must fail")
	}
}
