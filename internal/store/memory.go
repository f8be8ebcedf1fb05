package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"routedispatch/internal/model"
	"routedispatch/internal/state"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	orders      map[string]model.Order // id -> order
	orderIDs    map[string][]string    // tenant -> order ids in insertion order
	drivers     map[string][]model.Driver
	vehicles    map[string]map[string]model.Vehicle
	routes      map[string]model.Route // id -> route (stops embedded)
	routeIDs    map[string][]string    // tenant -> route ids
	stopRoute   map[string]string      // stop id -> route id
	syncEntries map[string]memSyncEntry
	subs        map[string][]model.Subscription // tenant -> subscriptions
	deliveries  map[string]*memDelivery
	deliveryIDs []string
}

type memSyncEntry struct {
	entry  model.OfflineSyncEntry
	result model.SyncEntryResult
}

type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		orders:      map[string]model.Order{},
		orderIDs:    map[string][]string{},
		drivers:     map[string][]model.Driver{},
		vehicles:    map[string]map[string]model.Vehicle{},
		routes:      map[string]model.Route{},
		routeIDs:    map[string][]string{},
		stopRoute:   map[string]string{},
		syncEntries: map[string]memSyncEntry{},
		subs:        map[string][]model.Subscription{},
		deliveries:  map[string]*memDelivery{},
	}
}

func (m *Memory) UpsertOrders(ctx context.Context, tenantID string, orders []model.Order) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, o := range orders {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		o.TenantID = tenantID
		if o.Status == "" {
			o.Status = model.OrderUnassigned
		}
		if _, ok := m.orders[o.ID]; !ok {
			m.orderIDs[tenantID] = append(m.orderIDs[tenantID], o.ID)
			created++
		}
		m.orders[o.ID] = o
	}
	return created, nil
}

func (m *Memory) ListUnassignedOrders(ctx context.Context, tenantID, date, area string, ids []string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var want map[string]bool
	if len(ids) > 0 {
		want = make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
	}
	out := []model.Order{}
	for _, id := range m.orderIDs[tenantID] {
		o := m.orders[id]
		if o.Status != model.OrderUnassigned {
			continue
		}
		if date != "" && o.ServiceDate != date {
			continue
		}
		if area != "" && o.Area != area {
			continue
		}
		if want != nil && !want[id] {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *Memory) GetOrder(ctx context.Context, tenantID, orderID string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) UpsertRoster(ctx context.Context, tenantID string, drivers []model.Driver, vehicles []model.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(drivers) > 0 {
		m.drivers[tenantID] = append([]model.Driver(nil), drivers...)
	}
	if m.vehicles[tenantID] == nil {
		m.vehicles[tenantID] = map[string]model.Vehicle{}
	}
	for _, v := range vehicles {
		m.vehicles[tenantID][v.ID] = v
	}
	return nil
}

func (m *Memory) ListAvailableDrivers(ctx context.Context, tenantID, date, area string) ([]model.Driver, map[string]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drivers := []model.Driver{}
	busy := map[string]bool{}
	for _, rid := range m.routeIDs[tenantID] {
		rt := m.routes[rid]
		if rt.Date == date && rt.Status != model.RouteCancelled && rt.Status != model.RouteCompleted {
			busy[rt.DriverID] = true
		}
	}
	for _, d := range m.drivers[tenantID] {
		if area != "" && d.Area != "" && d.Area != area {
			continue
		}
		if busy[d.ID] {
			continue
		}
		drivers = append(drivers, d)
	}
	vehicles := make(map[string]model.Vehicle, len(m.vehicles[tenantID]))
	for id, v := range m.vehicles[tenantID] {
		vehicles[id] = v
	}
	return drivers, vehicles, nil
}

func (m *Memory) CreateRoute(ctx context.Context, route model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if route.ID == "" {
		route.ID = uuid.New().String()
	}
	if err := state.ValidateSequence(route.Stops); err != nil {
		return model.Route{}, err
	}
	if route.Version == 0 {
		route.Version = 1
	}
	if route.CreatedAt == "" {
		route.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	for i := range route.Stops {
		if route.Stops[i].ID == "" {
			route.Stops[i].ID = uuid.New().String()
		}
		route.Stops[i].RouteID = route.ID
		m.stopRoute[route.Stops[i].ID] = route.ID
		if o, ok := m.orders[route.Stops[i].OrderID]; ok {
			o.Status = model.OrderAssigned
			m.orders[o.ID] = o
		}
	}
	m.routes[route.ID] = route
	m.routeIDs[route.TenantID] = append(m.routeIDs[route.TenantID], route.ID)
	return route, nil
}

func (m *Memory) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRoute(tenantID, routeID)
}

func (m *Memory) getRoute(tenantID, routeID string) (model.Route, error) {
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context, tenantID, date, area string) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, id := range m.routeIDs[tenantID] {
		r := m.routes[id]
		if date != "" && r.Date != date {
			continue
		}
		if area != "" && r.Area != area {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) FindRouteByStop(ctx context.Context, tenantID, stopID string) (model.Route, model.RouteStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findRouteByStop(tenantID, stopID)
}

func (m *Memory) findRouteByStop(tenantID, stopID string) (model.Route, model.RouteStop, error) {
	rid, ok := m.stopRoute[stopID]
	if !ok {
		return model.Route{}, model.RouteStop{}, ErrNotFound
	}
	r, err := m.getRoute(tenantID, rid)
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	for _, st := range r.Stops {
		if st.ID == stopID {
			return r, st, nil
		}
	}
	return model.Route{}, model.RouteStop{}, ErrNotFound
}

func (m *Memory) ActiveRouteForDriver(ctx context.Context, tenantID, driverID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.routeIDs[tenantID] {
		r := m.routes[id]
		if r.DriverID == driverID && r.Status == model.RouteInProgress {
			return r, nil
		}
	}
	return model.Route{}, ErrNotFound
}

func (m *Memory) ReplaceRoutePlan(ctx context.Context, tenantID, routeID string, stops []model.RouteStop, totalDistM, totalDurSec int, score float64, degraded bool) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.getRoute(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckReplan(r); err != nil {
		return model.Route{}, err
	}
	if err := state.ValidateSequence(stops); err != nil {
		return model.Route{}, err
	}
	for _, st := range r.Stops {
		delete(m.stopRoute, st.ID)
	}
	for i := range stops {
		if stops[i].ID == "" {
			stops[i].ID = uuid.New().String()
		}
		stops[i].RouteID = routeID
		m.stopRoute[stops[i].ID] = routeID
	}
	r.Stops = stops
	r.TotalDistanceM = totalDistM
	r.TotalDurationSec = totalDurSec
	r.OptimizationScore = score
	r.Degraded = degraded
	r.IsOptimized = !degraded
	if degraded {
		r.Status = model.RoutePlanned
	} else {
		r.Status = model.RouteOptimized
	}
	r.Version++
	m.routes[routeID] = r
	return r, nil
}

func (m *Memory) AppendStop(ctx context.Context, tenantID, routeID string, stop model.RouteStop) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.getRoute(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckAppendStop(r); err != nil {
		return model.Route{}, err
	}
	if stop.ID == "" {
		stop.ID = uuid.New().String()
	}
	stop.RouteID = routeID
	stop.Seq = len(r.Stops) + 1
	r.Stops = append(r.Stops, stop)
	r.Version++
	m.routes[routeID] = r
	m.stopRoute[stop.ID] = routeID
	if o, ok := m.orders[stop.OrderID]; ok {
		o.Status = model.OrderAssigned
		m.orders[o.ID] = o
	}
	return r, nil
}

func (m *Memory) StartRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.getRoute(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckStart(r); err != nil {
		return model.Route{}, err
	}
	r.Status = model.RouteInProgress
	r.Version++
	m.routes[routeID] = r
	return r, nil
}

func (m *Memory) CompleteStop(ctx context.Context, tenantID, stopID string, c model.StopCompletion) (model.Route, model.RouteStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, st, err := m.findRouteByStop(tenantID, stopID)
	if err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	if st.Completed {
		return model.Route{}, model.RouteStop{}, ErrStopCompleted
	}
	if err := state.CheckCompleteStop(r, st); err != nil {
		return model.Route{}, model.RouteStop{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range r.Stops {
		if r.Stops[i].ID != stopID {
			continue
		}
		r.Stops[i].Completed = true
		r.Stops[i].CompletedAt = now
		if r.Stops[i].ActualArrival == "" {
			r.Stops[i].ActualArrival = now
		}
		r.Stops[i].Note = c.Note
		r.Stops[i].SignatureRef = c.SignatureRef
		r.Stops[i].PhotoRefs = c.PhotoRefs
		st = r.Stops[i]
	}
	r.Version++
	m.routes[r.ID] = r
	if o, ok := m.orders[st.OrderID]; ok {
		o.Status = model.OrderDelivered
		m.orders[o.ID] = o
	}
	return r, st, nil
}

func (m *Memory) CompleteRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.getRoute(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if err := state.CheckCompleteRoute(r); err != nil {
		return model.Route{}, err
	}
	r.Status = model.RouteCompleted
	r.Version++
	m.routes[routeID] = r
	return r, nil
}

func (m *Memory) CancelRoute(ctx context.Context, tenantID, routeID string) (model.Route, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.getRoute(tenantID, routeID)
	if err != nil {
		return model.Route{}, nil, err
	}
	if err := state.CheckCancel(r); err != nil {
		return model.Route{}, nil, err
	}
	released := []string{}
	for _, st := range r.Stops {
		if st.Completed {
			continue
		}
		if o, ok := m.orders[st.OrderID]; ok {
			o.Status = model.OrderUnassigned
			m.orders[o.ID] = o
			released = append(released, o.ID)
		}
	}
	r.Status = model.RouteCancelled
	r.Version++
	m.routes[routeID] = r
	return r, released, nil
}

func (m *Memory) GetSyncEntry(ctx context.Context, tenantID, key string) (model.OfflineSyncEntry, model.SyncEntryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.syncEntries[tenantID+"|"+key]
	if !ok {
		return model.OfflineSyncEntry{}, model.SyncEntryResult{}, ErrNotFound
	}
	return e.entry, e.result, nil
}

func (m *Memory) SaveSyncEntry(ctx context.Context, tenantID string, entry model.OfflineSyncEntry, result model.SyncEntryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncEntries[tenantID+"|"+entry.IdempotencyKey()] = memSyncEntry{entry: entry, result: result}
	return nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], sub)
	return sub, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Subscription{}, m.subs[tenantID]...), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[tenantID]
	for i, s := range subs {
		if s.ID == id {
			m.subs[tenantID] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	m.deliveryIDs = append(m.deliveryIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d.Status != "pending" || d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d.WebhookDelivery)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
