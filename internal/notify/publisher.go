// Package notify delivers route lifecycle events to registered webhook
// endpoints with signed payloads and retry.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"routedispatch/internal/store"
)

// Event types emitted by the dispatch core.
const (
	EventRoutePlanned   = "route.planned"
	EventRouteStarted   = "route.started"
	EventRouteCompleted = "route.completed"
	EventRouteCancelled = "route.cancelled"
	EventStopCompleted  = "stop.completed"
	EventCostAlert      = "cost.alert"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues an event for every matching subscription. Delivery happens
// asynchronously in the Worker; Emit never blocks on the network.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":       fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":     eventType,
		"tenantId": tenantID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body)
	}
}
