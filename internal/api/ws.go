package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"routedispatch/internal/hub"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribe struct {
	RouteIDs  []string `json:"routeIds"`
	DriverIDs []string `json:"driverIds"`
}

// LiveFeedHandler handles /v1/ws: a dispatch console connects, optionally sends
// a subscribe message to narrow its filter, and receives tagged frames
// (location_update, route_update, route_assigned, delivery_status,
// emergency_order) until it disconnects.
func (s *Server) LiveFeedHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	_, tenant := s.withTenant(r)

	// Serialize writes; the ping ticker and the frame pump share the socket.
	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	frames, cancel := s.Hub.Subscribe(hub.Filter{TenantID: tenant})
	pump := func(ch <-chan hub.Frame) {
		for f := range ch {
			if err := write(f); err != nil {
				return
			}
		}
	}
	go pump(frames)
	defer func() { cancel() }()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "subscribe":
			var sub wsSubscribe
			_ = json.Unmarshal(msg.Payload, &sub)
			f := hub.Filter{TenantID: tenant}
			if len(sub.RouteIDs) > 0 {
				f.RouteIDs = map[string]bool{}
				for _, id := range sub.RouteIDs {
					f.RouteIDs[id] = true
				}
			}
			if len(sub.DriverIDs) > 0 {
				f.DriverIDs = map[string]bool{}
				for _, id := range sub.DriverIDs {
					f.DriverIDs[id] = true
				}
			}
			cancel()
			frames, cancel = s.Hub.Subscribe(f)
			go pump(frames)
			_ = write(wsMessage{Type: "subscribed"})
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		default:
			// ignore
		}
	}
}
