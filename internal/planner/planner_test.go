package planner

import (
	"context"
	"errors"
	"testing"

	"routedispatch/internal/gateway"
	"routedispatch/internal/model"
	"routedispatch/internal/provider"
	"routedispatch/internal/state"
	"routedispatch/internal/store"
)

// orderedProvider returns stops in request order with fixed estimates.
type orderedProvider struct{ calls int }

func (p *orderedProvider) PlanRoute(ctx context.Context, req provider.PlanRequest) (provider.PlanResult, error) {
	p.calls++
	res := provider.PlanResult{Confidence: 0.9, TotalDistanceM: 5000, TotalDurationSec: 1800}
	for i, st := range req.Stops {
		res.Ordered = append(res.Ordered, provider.PlannedStop{StopID: st.ID, ETASec: (i + 1) * 300})
	}
	return res, nil
}

func (p *orderedProvider) EstimateTravel(ctx context.Context, from, to model.GeoPoint) (provider.TravelEstimate, error) {
	return provider.TravelEstimate{DistanceM: 1000, DurationSec: 120}, nil
}

func newPlanner(t *testing.T, live provider.RoutingProvider) (*Planner, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	gw := gateway.New(live, nil, nil, gateway.Config{}, nil)
	p := New(m, gw, Config{Depot: model.GeoPoint{Lat: 39.95, Lng: -75.16}})
	return p, m
}

func seed(t *testing.T, m *store.Memory, nOrders, cylindersEach int) {
	t.Helper()
	ctx := context.Background()
	orders := make([]model.Order, 0, nOrders)
	for i := 0; i < nOrders; i++ {
		orders = append(orders, model.Order{
			ID:            string(rune('A' + i)),
			ServiceDate:   "2026-09-01",
			Area:          "north",
			Location:      model.GeoPoint{Lat: 39.95 + float64(i)*0.01, Lng: -75.16},
			CylinderCount: cylindersEach,
		})
	}
	if _, err := m.UpsertOrders(ctx, "t1", orders); err != nil {
		t.Fatal(err)
	}
	err := m.UpsertRoster(ctx, "t1",
		[]model.Driver{{ID: "d1", VehicleID: "v1"}},
		[]model.Vehicle{{ID: "v1", MaxCylinders: 4, MaxWeightKg: 1000}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPlanDayCreatesRoute(t *testing.T) {
	p, m := newPlanner(t, &orderedProvider{})
	seed(t, m, 3, 1)

	res, err := p.PlanDay(context.Background(), model.PlanDayRequest{TenantID: "t1", Date: "2026-09-01", Area: "north"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RoutesCreated) != 1 {
		t.Fatalf("routes = %d, want 1", len(res.RoutesCreated))
	}
	r := res.RoutesCreated[0]
	if r.Status != model.RouteOptimized || !r.IsOptimized || r.Degraded {
		t.Fatalf("route: status=%s optimized=%v degraded=%v", r.Status, r.IsOptimized, r.Degraded)
	}
	if err := state.ValidateSequence(r.Stops); err != nil {
		t.Fatalf("sequence invalid: %v", err)
	}
	if len(res.OrdersAssigned) != 3 || len(res.UnassignedOrders) != 0 {
		t.Fatalf("assigned=%d unassigned=%d", len(res.OrdersAssigned), len(res.UnassignedOrders))
	}
	for _, st := range r.Stops {
		if st.ETA == "" {
			t.Fatalf("stop %s missing ETA", st.OrderID)
		}
	}
}

func TestPlanDayCapacityOverflowReported(t *testing.T) {
	p, m := newPlanner(t, &orderedProvider{})
	// 6 orders of 1 cylinder, vehicle takes 4.
	seed(t, m, 6, 1)

	res, err := p.PlanDay(context.Background(), model.PlanDayRequest{TenantID: "t1", Date: "2026-09-01", Area: "north"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RoutesCreated) != 1 || len(res.RoutesCreated[0].Stops) != 4 {
		t.Fatalf("expected one route of 4 stops, got %+v", res.RoutesCreated)
	}
	if len(res.UnassignedOrders) != 2 {
		t.Fatalf("unassigned = %v, want 2 orders", res.UnassignedOrders)
	}
	// Leftovers stay available for the next planning pass.
	left, _ := m.ListUnassignedOrders(context.Background(), "t1", "2026-09-01", "north", nil)
	if len(left) != 2 {
		t.Fatalf("store still holds %d unassigned, want 2", len(left))
	}
}

func TestPlanDayPriorityWinsCapacity(t *testing.T) {
	p, m := newPlanner(t, &orderedProvider{})
	ctx := context.Background()
	orders := []model.Order{
		{ID: "low", ServiceDate: "2026-09-01", Area: "north", CylinderCount: 3},
		{ID: "high", ServiceDate: "2026-09-01", Area: "north", CylinderCount: 3, Priority: 5},
	}
	if _, err := m.UpsertOrders(ctx, "t1", orders); err != nil {
		t.Fatal(err)
	}
	err := m.UpsertRoster(ctx, "t1",
		[]model.Driver{{ID: "d1", VehicleID: "v1"}},
		[]model.Vehicle{{ID: "v1", MaxCylinders: 4}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.PlanDay(ctx, model.PlanDayRequest{TenantID: "t1", Date: "2026-09-01", Area: "north"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.OrdersAssigned) != 1 || res.OrdersAssigned[0] != "high" {
		t.Fatalf("assigned = %v, want the high priority order", res.OrdersAssigned)
	}
	if len(res.UnassignedOrders) != 1 || res.UnassignedOrders[0] != "low" {
		t.Fatalf("unassigned = %v", res.UnassignedOrders)
	}
}

func TestPlanDayDegradedWithoutProvider(t *testing.T) {
	p, m := newPlanner(t, nil)
	seed(t, m, 2, 1)

	res, err := p.PlanDay(context.Background(), model.PlanDayRequest{TenantID: "t1", Date: "2026-09-01", Area: "north"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Fatal("fallback-only planning must be flagged degraded")
	}
	r := res.RoutesCreated[0]
	if r.Status != model.RoutePlanned || r.IsOptimized {
		t.Fatalf("degraded route: status=%s optimized=%v", r.Status, r.IsOptimized)
	}
}

func TestPlanDayNoOrdersNoRoutes(t *testing.T) {
	p, _ := newPlanner(t, &orderedProvider{})
	res, err := p.PlanDay(context.Background(), model.PlanDayRequest{TenantID: "t1", Date: "2026-09-01"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RoutesCreated) != 0 {
		t.Fatalf("routes = %+v", res.RoutesCreated)
	}
}

func TestOptimizeRouteDiscardedAfterStart(t *testing.T) {
	p, m := newPlanner(t, &orderedProvider{})
	seed(t, m, 2, 1)
	ctx := context.Background()
	res, err := p.PlanDay(ctx, model.PlanDayRequest{TenantID: "t1", Date: "2026-09-01", Area: "north"})
	if err != nil {
		t.Fatal(err)
	}
	routeID := res.RoutesCreated[0].ID
	if _, err := m.StartRoute(ctx, "t1", routeID); err != nil {
		t.Fatal(err)
	}
	_, err = p.OptimizeRoute(ctx, "t1", routeID)
	var ste *state.InvalidStateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("optimization of a started route must fail with a state error, got %v", err)
	}
}

func TestAssignEmergencyAppendsToActiveRoute(t *testing.T) {
	p, m := newPlanner(t, &orderedProvider{})
	seed(t, m, 2, 1)
	ctx := context.Background()
	res, err := p.PlanDay(ctx, model.PlanDayRequest{TenantID: "t1", Date: "2026-09-01", Area: "north"})
	if err != nil {
		t.Fatal(err)
	}
	routeID := res.RoutesCreated[0].ID
	if _, err := m.StartRoute(ctx, "t1", routeID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpsertOrders(ctx, "t1", []model.Order{{ID: "urgent", ServiceDate: "2026-09-01", Area: "north", Priority: 9}}); err != nil {
		t.Fatal(err)
	}
	r, err := p.AssignEmergency(ctx, "t1", routeID, "urgent")
	if err != nil {
		t.Fatal(err)
	}
	last := r.Stops[len(r.Stops)-1]
	if last.OrderID != "urgent" || last.Seq != 3 {
		t.Fatalf("appended = %+v", last)
	}
	// Already assigned orders cannot be appended twice.
	if _, err := p.AssignEmergency(ctx, "t1", routeID, "urgent"); err == nil {
		t.Fatal("re-assigning an assigned order must fail")
	}
}
