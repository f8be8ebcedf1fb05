// Package planner turns unassigned orders into routes: capacity-aware
// assignment to available driver/vehicle pairs, then stop ordering through
// the routing gateway.
package planner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"routedispatch/internal/gateway"
	"routedispatch/internal/model"
	"routedispatch/internal/provider"
	"routedispatch/internal/store"
)

// Config holds planning inputs that are depot policy, not per-request data.
type Config struct {
	Depot      model.GeoPoint
	ShiftStart string // HH:MM, local to the depot day; ETA base for planned stops
}

type Planner struct {
	store   store.Store
	gateway *gateway.Gateway
	cfg     Config
}

func New(s store.Store, gw *gateway.Gateway, cfg Config) *Planner {
	if cfg.ShiftStart == "" {
		cfg.ShiftStart = "09:00"
	}
	return &Planner{store: s, gateway: gw, cfg: cfg}
}

// PlanDay builds routes for every unassigned order on the date/area that fits
// an available vehicle. Orders that fit no vehicle are reported back as
// unassigned, never silently dropped.
func (p *Planner) PlanDay(ctx context.Context, req model.PlanDayRequest) (model.PlanDayResult, error) {
	result := model.PlanDayResult{
		RoutesCreated:    []model.Route{},
		OrdersAssigned:   []string{},
		UnassignedOrders: []string{},
	}
	if req.Date == "" {
		return result, fmt.Errorf("date is required")
	}
	orders, err := p.store.ListUnassignedOrders(ctx, req.TenantID, req.Date, req.Area, req.OrderIDs)
	if err != nil {
		return result, err
	}
	if len(orders) == 0 {
		return result, nil
	}
	drivers, vehicles, err := p.store.ListAvailableDrivers(ctx, req.TenantID, req.Date, req.Area)
	if err != nil {
		return result, err
	}

	assignments, leftover := assignToVehicles(orders, drivers, vehicles)
	for _, o := range leftover {
		result.UnassignedOrders = append(result.UnassignedOrders, o.ID)
	}

	for _, a := range assignments {
		route, err := p.buildRoute(ctx, req, a)
		if err != nil {
			// Keep the orders available for a retry rather than creating a
			// half-planned route.
			log.Printf("planner: route build failed for driver %s: %v", a.driver.ID, err)
			for _, o := range a.orders {
				result.UnassignedOrders = append(result.UnassignedOrders, o.ID)
			}
			continue
		}
		result.RoutesCreated = append(result.RoutesCreated, route)
		if route.Degraded {
			result.Degraded = true
		}
		for _, st := range route.Stops {
			result.OrdersAssigned = append(result.OrdersAssigned, st.OrderID)
		}
	}
	return result, nil
}

type assignment struct {
	driver  model.Driver
	vehicle model.Vehicle
	orders  []model.Order
}

// assignToVehicles greedily packs orders into driver/vehicle pairs. Orders are
// taken highest priority first, then earliest time window, so the urgent work
// lands on a vehicle before capacity runs out.
func assignToVehicles(orders []model.Order, drivers []model.Driver, vehicles map[string]model.Vehicle) ([]assignment, []model.Order) {
	sorted := make([]model.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		wi, wj := windowStart(sorted[i]), windowStart(sorted[j])
		if wi != wj {
			return wi < wj
		}
		return sorted[i].ID < sorted[j].ID
	})

	var assigns []assignment
	for _, d := range drivers {
		v, ok := vehicles[d.VehicleID]
		if !ok {
			continue
		}
		assigns = append(assigns, assignment{driver: d, vehicle: v})
	}

	leftover := []model.Order{}
	for _, o := range sorted {
		placed := false
		for i := range assigns {
			if fits(assigns[i], o) {
				assigns[i].orders = append(assigns[i].orders, o)
				placed = true
				break
			}
		}
		if !placed {
			leftover = append(leftover, o)
		}
	}

	out := assigns[:0]
	for _, a := range assigns {
		if len(a.orders) > 0 {
			out = append(out, a)
		}
	}
	return out, leftover
}

func fits(a assignment, o model.Order) bool {
	cyl, weight := o.CylinderCount, o.WeightKg
	for _, x := range a.orders {
		cyl += x.CylinderCount
		weight += x.WeightKg
	}
	if a.vehicle.MaxCylinders > 0 && cyl > a.vehicle.MaxCylinders {
		return false
	}
	if a.vehicle.MaxWeightKg > 0 && weight > a.vehicle.MaxWeightKg {
		return false
	}
	return true
}

func windowStart(o model.Order) string {
	if o.TimeWindow != nil {
		return o.TimeWindow.Start
	}
	return ""
}

// buildRoute orders one assignment's stops through the gateway and persists
// the route. A degraded plan is stored as planned (not optimized) so a later
// optimization pass can upgrade it.
func (p *Planner) buildRoute(ctx context.Context, req model.PlanDayRequest, a assignment) (model.Route, error) {
	planReq := provider.PlanRequest{Depot: p.cfg.Depot}
	byID := make(map[string]model.Order, len(a.orders))
	for _, o := range a.orders {
		byID[o.ID] = o
		planReq.Stops = append(planReq.Stops, providerStop(o))
	}
	res, err := p.gateway.PlanRoute(ctx, planReq)
	if err != nil {
		return model.Route{}, err
	}
	if len(res.Ordered) != len(a.orders) {
		return model.Route{}, fmt.Errorf("plan returned %d stops for %d orders", len(res.Ordered), len(a.orders))
	}

	base := p.etaBase(req.Date)
	status := model.RouteOptimized
	if res.Degraded {
		status = model.RoutePlanned
	}
	route := model.Route{
		TenantID:          req.TenantID,
		Date:              req.Date,
		Area:              req.Area,
		DriverID:          a.driver.ID,
		VehicleID:         a.vehicle.ID,
		Status:            status,
		TotalDistanceM:    res.TotalDistanceM,
		TotalDurationSec:  res.TotalDurationSec,
		OptimizationScore: res.Confidence,
		IsOptimized:       !res.Degraded,
		Degraded:          res.Degraded,
	}
	for i, ps := range res.Ordered {
		o, ok := byID[ps.StopID]
		if !ok {
			return model.Route{}, fmt.Errorf("plan references unknown order %s", ps.StopID)
		}
		route.Stops = append(route.Stops, model.RouteStop{
			OrderID:  o.ID,
			Seq:      i + 1,
			Location: o.Location,
			ETA:      etaString(base, ps.ETASec),
		})
	}
	return p.store.CreateRoute(ctx, route)
}

// OptimizeRoute re-orders an existing route's pending sequence through the
// gateway. The store rejects the result if the route started in the meantime;
// the stale plan is discarded.
func (p *Planner) OptimizeRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	route, err := p.store.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}

	planReq := provider.PlanRequest{Depot: p.cfg.Depot}
	byOrder := make(map[string]model.RouteStop, len(route.Stops))
	for _, st := range route.Stops {
		byOrder[st.OrderID] = st
		o, err := p.store.GetOrder(ctx, tenantID, st.OrderID)
		if err != nil {
			return model.Route{}, err
		}
		planReq.Stops = append(planReq.Stops, providerStop(o))
	}
	res, err := p.gateway.PlanRoute(ctx, planReq)
	if err != nil {
		return model.Route{}, err
	}
	if len(res.Ordered) != len(route.Stops) {
		return model.Route{}, fmt.Errorf("plan returned %d stops for %d", len(res.Ordered), len(route.Stops))
	}

	base := p.etaBase(route.Date)
	stops := make([]model.RouteStop, 0, len(res.Ordered))
	for i, ps := range res.Ordered {
		st, ok := byOrder[ps.StopID]
		if !ok {
			return model.Route{}, fmt.Errorf("plan references unknown order %s", ps.StopID)
		}
		st.Seq = i + 1
		st.ETA = etaString(base, ps.ETASec)
		stops = append(stops, st)
	}
	return p.store.ReplaceRoutePlan(ctx, tenantID, routeID, stops, res.TotalDistanceM, res.TotalDurationSec, res.Confidence, res.Degraded)
}

// AssignEmergency appends an urgent order to a route, including one already
// in progress. The stop goes to the end of the current sequence.
func (p *Planner) AssignEmergency(ctx context.Context, tenantID, routeID, orderID string) (model.Route, error) {
	o, err := p.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return model.Route{}, err
	}
	if o.Status != model.OrderUnassigned {
		return model.Route{}, fmt.Errorf("order %s is %s, not unassigned", orderID, o.Status)
	}
	stop := model.RouteStop{OrderID: o.ID, Location: o.Location}
	return p.store.AppendStop(ctx, tenantID, routeID, stop)
}

func providerStop(o model.Order) provider.Stop {
	s := provider.Stop{ID: o.ID, Location: o.Location, Priority: o.Priority}
	if o.TimeWindow != nil {
		s.TimeWindow = o.TimeWindow
	}
	return s
}

// etaBase resolves the shift start on the service date; falls back to
// midnight UTC on a malformed date.
func (p *Planner) etaBase(date string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", date+" "+p.cfg.ShiftStart)
	if err != nil {
		t, _ = time.Parse("2006-01-02", date)
	}
	return t.UTC()
}

func etaString(base time.Time, etaSec int) string {
	if base.IsZero() {
		return ""
	}
	return base.Add(time.Duration(etaSec) * time.Second).Format(time.RFC3339)
}
