// Package hub fans driver positions and route events out to dispatch
// sessions. Positions are ephemeral and last-write-wins per driver; the hub
// never persists them.
package hub

import (
	"sync"
	"time"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

// Frame kinds carried on subscriber channels.
const (
	FramePosition       = "location_update"
	FrameRouteUpdate    = "route_update"
	FrameRouteAssigned  = "route_assigned"
	FrameDeliveryStatus = "delivery_status"
	FrameEmergencyOrder = "emergency_order"
)

// Frame is one message to a dispatch session.
type Frame struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Filter narrows what a subscriber receives. Zero values mean "all".
type Filter struct {
	TenantID  string
	RouteIDs  map[string]bool
	DriverIDs map[string]bool
}

type subscriber struct {
	ch     chan Frame
	filter Filter
}

// Hub holds the latest position per driver and the set of live subscribers.
// Slow subscribers lose their oldest position frames; lifecycle frames are
// never dropped in their favor.
type Hub struct {
	mu        sync.RWMutex
	positions map[string]model.DriverPositionSample // driverID -> latest
	subs      map[*subscriber]struct{}
	queueSize int
}

func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		positions: map[string]model.DriverPositionSample{},
		subs:      map[*subscriber]struct{}{},
		queueSize: queueSize,
	}
}

// Subscribe registers a session and returns its frame channel plus a cancel
// function. The channel is closed on cancel.
func (h *Hub) Subscribe(f Filter) (<-chan Frame, func()) {
	s := &subscriber{ch: make(chan Frame, h.queueSize), filter: f}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.HubSubscribers.Set(float64(n))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Close under the write lock: broadcast sends while holding the
			// read lock, so no send can interleave with the close.
			h.mu.Lock()
			delete(h.subs, s)
			close(s.ch)
			n := len(h.subs)
			h.mu.Unlock()
			metrics.HubSubscribers.Set(float64(n))
		})
	}
	return s.ch, cancel
}

// UpdatePosition records a driver position and fans it out. Out-of-order
// samples (older ts than the stored one) are ignored.
func (h *Hub) UpdatePosition(tenantID string, p model.DriverPositionSample) {
	h.mu.Lock()
	if prev, ok := h.positions[p.DriverID]; ok && prev.TS > p.TS {
		h.mu.Unlock()
		return
	}
	h.positions[p.DriverID] = p
	h.mu.Unlock()

	h.broadcast(tenantID, p.RouteID, p.DriverID, Frame{
		Type:      FramePosition,
		Data:      p,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Position returns the latest sample for a driver.
func (h *Hub) Position(driverID string) (model.DriverPositionSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.positions[driverID]
	return p, ok
}

// Positions returns the latest sample for each requested driver; all drivers
// when ids is empty.
func (h *Hub) Positions(ids []string) []model.DriverPositionSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []model.DriverPositionSample{}
	if len(ids) == 0 {
		for _, p := range h.positions {
			out = append(out, p)
		}
		return out
	}
	for _, id := range ids {
		if p, ok := h.positions[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// PublishRouteEvent fans a lifecycle frame out to matching subscribers.
func (h *Hub) PublishRouteEvent(tenantID, frameType, routeID, driverID string, data any) {
	h.broadcast(tenantID, routeID, driverID, Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// broadcast fans one frame out. All sends are non-blocking and happen under
// the read lock so a concurrent cancel cannot close a channel mid-send.
func (h *Hub) broadcast(tenantID, routeID, driverID string, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.matches(tenantID, routeID, driverID) {
			continue
		}
		select {
		case s.ch <- f:
			continue
		default:
		}
		// Queue full. For a position frame, drop the oldest position in the
		// queue to make room; a lifecycle frame instead evicts the oldest
		// frame outright so it is never the one lost.
		if f.Type == FramePosition {
			select {
			case old := <-s.ch:
				if old.Type != FramePosition {
					// Lifecycle frame pulled by accident; keep it and drop
					// the new position instead.
					select {
					case s.ch <- old:
					default:
					}
					metrics.HubDroppedFrames.Inc()
					continue
				}
				metrics.HubDroppedFrames.Inc()
			default:
			}
			select {
			case s.ch <- f:
			default:
				metrics.HubDroppedFrames.Inc()
			}
			continue
		}
		select {
		case old := <-s.ch:
			if old.Type == FramePosition {
				metrics.HubDroppedFrames.Inc()
			}
		default:
		}
		select {
		case s.ch <- f:
		default:
		}
	}
}

func (f Filter) matches(tenantID, routeID, driverID string) bool {
	if f.TenantID != "" && tenantID != "" && f.TenantID != tenantID {
		return false
	}
	if len(f.RouteIDs) > 0 && routeID != "" && !f.RouteIDs[routeID] {
		return false
	}
	if len(f.DriverIDs) > 0 && driverID != "" && !f.DriverIDs[driverID] {
		return false
	}
	return true
}
