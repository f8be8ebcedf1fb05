package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"routedispatch/internal/hub"
	"routedispatch/internal/model"
	"routedispatch/internal/notify"
	"routedispatch/internal/state"
	"routedispatch/internal/store"
)

// OrdersHandler handles POST /v1/orders (batch upsert from the order system)
// and GET /v1/orders (unassigned orders for a date/area).
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Orders []model.Order `json:"orders"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(body.Orders) == 0 {
			writeProblem(w, http.StatusBadRequest, "Validation failed", "orders is empty", r.URL.Path)
			return
		}
		n, err := s.Store.UpsertOrders(ctx, tenant, body.Orders)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Upsert failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"upserted": n})
	case http.MethodGet:
		q := r.URL.Query()
		orders, err := s.Store.ListUnassignedOrders(ctx, tenant, q.Get("date"), q.Get("area"), nil)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RosterHandler handles POST /v1/roster (driver and vehicle upsert).
func (s *Server) RosterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	var body struct {
		Drivers  []model.Driver  `json:"drivers"`
		Vehicles []model.Vehicle `json:"vehicles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := s.Store.UpsertRoster(ctx, tenant, body.Drivers, body.Vehicles); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Upsert failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": len(body.Drivers), "vehicles": len(body.Vehicles)})
}

// PlanDayHandler handles POST /v1/plan-day.
func (s *Server) PlanDayHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	var req model.PlanDayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	req.TenantID = tenant
	result, err := s.Planner.PlanDay(ctx, req)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Planning failed", err.Error(), r.URL.Path)
		return
	}
	for _, rt := range result.RoutesCreated {
		s.emitRouteEvent(ctx, notify.EventRoutePlanned, hub.FrameRouteAssigned, rt, nil)
	}
	writeJSON(w, http.StatusOK, result)
}

// RoutesIndexHandler handles GET /v1/routes?date=&area=.
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	q := r.URL.Query()
	routes, err := s.Store.ListRoutes(ctx, tenant, q.Get("date"), q.Get("area"))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

// RouteByIDHandler handles /v1/routes/{id} and its sub-resources: optimize,
// start, complete, cancel, stops, locations, events/stream.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	id := parts[0]
	ctx, tenant := s.withTenant(r)

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		route, err := s.Store.GetRoute(ctx, tenant, id)
		if err != nil {
			s.routeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, route)
		return
	}

	switch strings.Join(parts[1:], "/") {
	case "optimize":
		s.optimizeRoute(w, r, ctx, tenant, id)
	case "start":
		s.startRoute(w, r, ctx, tenant, id)
	case "complete":
		s.completeRoute(w, r, ctx, tenant, id)
	case "cancel":
		s.cancelRoute(w, r, ctx, tenant, id)
	case "stops":
		s.appendStop(w, r, ctx, tenant, id)
	case "locations":
		s.routeLocations(w, r, ctx, tenant, id)
	case "events/stream":
		s.streamRouteEvents(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) optimizeRoute(w http.ResponseWriter, r *http.Request, ctx context.Context, tenant, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	route, err := s.Planner.OptimizeRoute(ctx, tenant, id)
	if err != nil {
		s.routeError(w, r, err)
		return
	}
	s.emitRouteEvent(ctx, notify.EventRoutePlanned, hub.FrameRouteUpdate, route, map[string]any{"optimized": route.IsOptimized})
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) startRoute(w http.ResponseWriter, r *http.Request, ctx context.Context, tenant, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	route, err := s.Store.StartRoute(ctx, tenant, id)
	if err != nil {
		s.routeError(w, r, err)
		return
	}
	s.emitRouteEvent(ctx, notify.EventRouteStarted, hub.FrameRouteUpdate, route, nil)
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) completeRoute(w http.ResponseWriter, r *http.Request, ctx context.Context, tenant, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	route, err := s.Store.CompleteRoute(ctx, tenant, id)
	if err != nil {
		s.routeError(w, r, err)
		return
	}
	s.emitRouteEvent(ctx, notify.EventRouteCompleted, hub.FrameRouteUpdate, route, nil)
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) cancelRoute(w http.ResponseWriter, r *http.Request, ctx context.Context, tenant, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	route, released, err := s.Store.CancelRoute(ctx, tenant, id)
	if err != nil {
		s.routeError(w, r, err)
		return
	}
	s.emitRouteEvent(ctx, notify.EventRouteCancelled, hub.FrameRouteUpdate, route, map[string]any{"releasedOrderIds": released})
	writeJSON(w, http.StatusOK, map[string]any{"route": route, "releasedOrderIds": released})
}

// appendStop handles POST /v1/routes/{id}/stops: emergency order insertion,
// allowed even mid-route.
func (s *Server) appendStop(w http.ResponseWriter, r *http.Request, ctx context.Context, tenant, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrderID == "" {
		writeProblem(w, http.StatusBadRequest, "Validation failed", "orderId is required", r.URL.Path)
		return
	}
	route, err := s.Planner.AssignEmergency(ctx, tenant, id, body.OrderID)
	if err != nil {
		s.routeError(w, r, err)
		return
	}
	s.emitRouteEvent(ctx, notify.EventRoutePlanned, hub.FrameEmergencyOrder, route, map[string]any{"orderId": body.OrderID})
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) routeLocations(w http.ResponseWriter, r *http.Request, ctx context.Context, tenant, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	route, err := s.Store.GetRoute(ctx, tenant, id)
	if err != nil {
		s.routeError(w, r, err)
		return
	}
	positions := s.Hub.Positions([]string{route.DriverID})
	writeJSON(w, http.StatusOK, map[string]any{"routeId": id, "positions": positions})
}

// streamRouteEvents serves the SSE stream for one route.
func (s *Server) streamRouteEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"routeId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notifyDone := r.Context().Done()
	for {
		select {
		case <-notifyDone:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"routeId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// StopCompleteHandler handles POST /v1/stops/{id}/complete (online path).
func (s *Server) StopCompleteHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/stops/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "complete" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stopID := parts[0]
	ctx, tenant := s.withTenant(r)
	var c model.StopCompletion
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if c.Source == "" {
		c.Source = "online"
	}
	route, stop, err := s.Store.CompleteStop(ctx, tenant, stopID, c)
	if err != nil {
		s.routeError(w, r, err)
		return
	}
	s.emitStopCompleted(ctx, route, stop, c)
	writeJSON(w, http.StatusOK, map[string]any{"route": route, "stop": stop})
}

// SyncBatchHandler handles POST /v1/sync/batch (offline completion replay).
func (s *Server) SyncBatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	var body struct {
		Entries []model.OfflineSyncEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	results, err := s.Sync.SubmitBatch(ctx, tenant, body.Entries)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Sync failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// DriverLocationHandler handles /v1/drivers/{id}/location: POST ingests a
// position sample, GET returns the latest one. Reports are only accepted from
// drivers with an in_progress route; the sample's routeId comes from that
// route, never from the client.
func (s *Server) DriverLocationHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/drivers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "location" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	driverID := parts[0]
	ctx, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var p model.DriverPositionSample
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		route, err := s.Store.ActiveRouteForDriver(ctx, tenant, driverID)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusConflict, "No active route", "driver has no in_progress route", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Lookup failed", err.Error(), r.URL.Path)
			return
		}
		p.DriverID = driverID
		p.RouteID = route.ID
		if p.TS == "" {
			p.TS = time.Now().UTC().Format(time.RFC3339)
		}
		s.Hub.UpdatePosition(tenant, p)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "routeId": route.ID})
	case http.MethodGet:
		p, ok := s.Hub.Position(driverID)
		if !ok {
			writeProblem(w, http.StatusNotFound, "Not Found", "no position for driver", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionsHandler handles /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Validation failed", "url and events are required", r.URL.Path)
			return
		}
		req.TenantID = tenant
		sub, err := s.Store.CreateSubscription(ctx, req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		subs, err := s.Store.ListSubscriptions(ctx, tenant)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	ctx, tenant := s.withTenant(r)
	if err := s.Store.DeleteSubscription(ctx, tenant, id); err != nil {
		s.routeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthHandler handles /healthz.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ReadyHandler handles /readyz; not ready when the store is unreachable.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// routeError maps store and lifecycle errors onto problem responses.
func (s *Server) routeError(w http.ResponseWriter, r *http.Request, err error) {
	var ste *state.InvalidStateTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrStopCompleted):
		writeProblem(w, http.StatusConflict, "Already completed", err.Error(), r.URL.Path)
	case errors.As(err, &ste):
		writeProblem(w, http.StatusConflict, "Invalid state transition", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusBadRequest, "Request failed", err.Error(), r.URL.Path)
	}
}
