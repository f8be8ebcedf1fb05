package store

import (
	"context"
	"errors"
	"time"

	"routedispatch/internal/model"
)

// Store is the persistence interface used by the planner, sync agent and API
// server. Route status transitions are atomic: implementations must reject a
// stale write (e.g. an optimization result landing after "start route") with
// a state error rather than applying it.
type Store interface {
	// Orders (read model fed by the external order system)
	UpsertOrders(ctx context.Context, tenantID string, orders []model.Order) (created int, err error)
	ListUnassignedOrders(ctx context.Context, tenantID, date, area string, ids []string) ([]model.Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (model.Order, error)

	// Driver/vehicle roster
	UpsertRoster(ctx context.Context, tenantID string, drivers []model.Driver, vehicles []model.Vehicle) error
	ListAvailableDrivers(ctx context.Context, tenantID, date, area string) ([]model.Driver, map[string]model.Vehicle, error)

	// Routes
	CreateRoute(ctx context.Context, route model.Route) (model.Route, error)
	GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error)
	ListRoutes(ctx context.Context, tenantID, date, area string) ([]model.Route, error)
	FindRouteByStop(ctx context.Context, tenantID, stopID string) (model.Route, model.RouteStop, error)
	ActiveRouteForDriver(ctx context.Context, tenantID, driverID string) (model.Route, error)

	// State transitions (atomic with respect to status)
	ReplaceRoutePlan(ctx context.Context, tenantID, routeID string, stops []model.RouteStop, totalDistM, totalDurSec int, score float64, degraded bool) (model.Route, error)
	AppendStop(ctx context.Context, tenantID, routeID string, stop model.RouteStop) (model.Route, error)
	StartRoute(ctx context.Context, tenantID, routeID string) (model.Route, error)
	CompleteStop(ctx context.Context, tenantID, stopID string, c model.StopCompletion) (model.Route, model.RouteStop, error)
	CompleteRoute(ctx context.Context, tenantID, routeID string) (model.Route, error)
	CancelRoute(ctx context.Context, tenantID, routeID string) (route model.Route, releasedOrderIDs []string, err error)

	// Offline sync entries (audit-retained)
	GetSyncEntry(ctx context.Context, tenantID, key string) (model.OfflineSyncEntry, model.SyncEntryResult, error)
	SaveSyncEntry(ctx context.Context, tenantID string, entry model.OfflineSyncEntry, result model.SyncEntryResult) error

	// Webhook subscriptions and deliveries
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStopCompleted marks a completion conflict: the stop was already
	// completed by another path.
	ErrStopCompleted = errors.New("stop already completed")
)

// WebhookDelivery is one queued outbound notification.
type WebhookDelivery struct {
	ID        string
	TenantID  string
	SubID     string
	EventType string
	URL       string
	Secret    string
	Payload   []byte
	Attempts  int
	Status    string // pending, delivered, failed
}
