package model

import "strconv"

// Core domain types for route dispatch.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Route lifecycle states.
const (
	RoutePlanned    = "planned"
	RouteOptimized  = "optimized"
	RouteInProgress = "in_progress"
	RouteCompleted  = "completed"
	RouteCancelled  = "cancelled"
)

// Order delivery states as seen by the core. Orders are owned by the external
// order system; the core only flips them between unassigned and assigned and
// marks them delivered.
const (
	OrderUnassigned = "unassigned"
	OrderAssigned   = "assigned"
	OrderDelivered  = "delivered"
	OrderCancelled  = "cancelled"
)

// Order is the read model consumed from the order system. Immutable once
// referenced by a Route except for cancellation.
type Order struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenantId"`
	ExternalRef   string      `json:"externalRef,omitempty"`
	ServiceDate   string      `json:"serviceDate"` // YYYY-MM-DD
	Area          string      `json:"area"`
	Location      GeoPoint    `json:"location"`
	TimeWindow    *TimeWindow `json:"timeWindow,omitempty"`
	CylinderCount int         `json:"cylinderCount"`
	WeightKg      float64     `json:"weightKg"`
	Priority      int         `json:"priority,omitempty"` // optional hint, 0 = neutral
	Status        string      `json:"status"`
}

type Vehicle struct {
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	MaxWeightKg  float64 `json:"maxWeightKg"`
	MaxCylinders int     `json:"maxCylinders"`
}

type Driver struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	VehicleID string `json:"vehicleId"`
	Area      string `json:"area,omitempty"`
}

// Route is one driver/vehicle/date/area plan. Never deleted, only cancelled.
type Route struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenantId"`
	Date              string      `json:"date"`
	Area              string      `json:"area"`
	DriverID          string      `json:"driverId"`
	VehicleID         string      `json:"vehicleId"`
	Status            string      `json:"status"`
	Stops             []RouteStop `json:"stops"`
	TotalDistanceM    int         `json:"totalDistanceM"`
	TotalDurationSec  int         `json:"totalDurationSec"`
	OptimizationScore float64     `json:"optimizationScore,omitempty"`
	IsOptimized       bool        `json:"isOptimized"`
	Degraded          bool        `json:"degraded,omitempty"` // fallback routing was used
	Version           int         `json:"version"`
	CreatedAt         string      `json:"createdAt,omitempty"`
}

// RouteStop is one order's delivery task within a Route. Seq values form a
// contiguous permutation of 1..N within the route. Completion fields are
// write-once.
type RouteStop struct {
	ID            string   `json:"id"`
	RouteID       string   `json:"routeId"`
	OrderID       string   `json:"orderId"`
	Seq           int      `json:"seq"`
	Location      GeoPoint `json:"location"`
	ETA           string   `json:"eta,omitempty"`
	ActualArrival string   `json:"actualArrival,omitempty"`
	Completed     bool     `json:"completed"`
	CompletedAt   string   `json:"completedAt,omitempty"`
	Note          string   `json:"note,omitempty"`
	SignatureRef  string   `json:"signatureRef,omitempty"`
	PhotoRefs     []string `json:"photoRefs,omitempty"`
}

// StopCompletion is the payload recorded when a stop is delivered, whether it
// arrives online, via offline sync, or from a dispatcher override.
type StopCompletion struct {
	Note         string   `json:"note,omitempty"`
	SignatureRef string   `json:"signatureRef,omitempty"`
	PhotoRefs    []string `json:"photoRefs,omitempty"`
	ClientTS     string   `json:"clientTs,omitempty"`
	Source       string   `json:"source,omitempty"` // online, offline_sync, dispatcher
}

// DriverPositionSample is ephemeral, last-write-wins per driver.
type DriverPositionSample struct {
	DriverID   string  `json:"driverId"`
	RouteID    string  `json:"routeId,omitempty"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	HeadingDeg float64 `json:"heading,omitempty"`
	SpeedKph   float64 `json:"speed,omitempty"`
	AccuracyM  float64 `json:"accuracy,omitempty"`
	TS         string  `json:"ts"`
}

// Offline sync entry processing states.
const (
	SyncPending  = "pending"
	SyncApplied  = "applied"
	SyncRejected = "rejected"
)

// OfflineSyncEntry is a delivery completion captured on a disconnected device.
// (DeviceID, LocalSeq) is the idempotency key.
type OfflineSyncEntry struct {
	DeviceID   string         `json:"deviceId"`
	LocalSeq   int            `json:"localSeq"`
	StopID     string         `json:"stopId"`
	Completion StopCompletion `json:"completion"`
	Status     string         `json:"status,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// IdempotencyKey returns the stable key for a sync entry.
func (e OfflineSyncEntry) IdempotencyKey() string {
	return SyncEntryKey(e.DeviceID, e.LocalSeq)
}

func SyncEntryKey(deviceID string, localSeq int) string {
	return deviceID + "#" + strconv.Itoa(localSeq)
}

// SyncEntryResult is the per-entry outcome returned for a submitted batch.
type SyncEntryResult struct {
	Key     string `json:"key"`
	StopID  string `json:"stopId"`
	RouteID string `json:"routeId,omitempty"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Subscription registers a webhook endpoint for route lifecycle events.
type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId,omitempty"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

// PlanDayRequest asks the planner to build routes for a date/area.
type PlanDayRequest struct {
	TenantID string   `json:"tenantId,omitempty"`
	Date     string   `json:"date"`
	Area     string   `json:"area"`
	OrderIDs []string `json:"orderIds,omitempty"` // empty = all unassigned for date/area
}

// PlanDayResult reports what the planner did. Unassigned orders are an
// expected outcome, not an error.
type PlanDayResult struct {
	RoutesCreated    []Route  `json:"routesCreated"`
	OrdersAssigned   []string `json:"ordersAssigned"`
	UnassignedOrders []string `json:"unassignedOrders"`
	Degraded         bool     `json:"degraded,omitempty"`
}
