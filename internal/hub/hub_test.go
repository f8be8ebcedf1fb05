package hub

import (
	"sync"
	"testing"
	"time"

	"routedispatch/internal/model"
)

func drain(ch <-chan Frame) []Frame {
	out := []Frame{}
	for {
		select {
		case f := <-ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPositionFanout(t *testing.T) {
	h := New(8)
	a, cancelA := h.Subscribe(Filter{})
	b, cancelB := h.Subscribe(Filter{})
	defer cancelA()
	defer cancelB()

	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", Lat: 1, Lng: 2, TS: "2026-09-01T10:00:00Z"})

	for name, ch := range map[string]<-chan Frame{"a": a, "b": b} {
		frames := drain(ch)
		if len(frames) != 1 || frames[0].Type != FramePosition {
			t.Fatalf("subscriber %s got %+v", name, frames)
		}
	}
}

func TestPositionLastWriteWins(t *testing.T) {
	h := New(8)
	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", Lat: 1, TS: "2026-09-01T10:00:05Z"})
	// Out of order sample arrives late.
	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", Lat: 9, TS: "2026-09-01T10:00:01Z"})

	p, ok := h.Position("d1")
	if !ok || p.Lat != 1 {
		t.Fatalf("position = %+v, want the newer sample", p)
	}
}

func TestPositionsFilterByID(t *testing.T) {
	h := New(8)
	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", TS: "2026-09-01T10:00:00Z"})
	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d2", TS: "2026-09-01T10:00:00Z"})

	got := h.Positions([]string{"d2"})
	if len(got) != 1 || got[0].DriverID != "d2" {
		t.Fatalf("positions = %+v", got)
	}
	if len(h.Positions(nil)) != 2 {
		t.Fatal("empty filter returns all drivers")
	}
}

func TestFilterNarrowsFanout(t *testing.T) {
	h := New(8)
	ch, cancel := h.Subscribe(Filter{DriverIDs: map[string]bool{"d1": true}})
	defer cancel()

	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", TS: "2026-09-01T10:00:00Z"})
	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d2", TS: "2026-09-01T10:00:00Z"})

	frames := drain(ch)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want only d1's", len(frames))
	}
}

func TestBackpressureDropsOldestPositionsOnly(t *testing.T) {
	h := New(2)
	ch, cancel := h.Subscribe(Filter{})
	defer cancel()

	// Fill the queue with positions, then deliver a lifecycle event while the
	// subscriber is stalled.
	for i := 0; i < 5; i++ {
		h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", Lat: float64(i), TS: time.Date(2026, 9, 1, 10, 0, i, 0, time.UTC).Format(time.RFC3339)})
	}
	h.PublishRouteEvent("t1", FrameDeliveryStatus, "r1", "d1", map[string]any{"stopId": "s1"})

	frames := drain(ch)
	var sawDelivery bool
	for _, f := range frames {
		if f.Type == FrameDeliveryStatus {
			sawDelivery = true
		}
	}
	if !sawDelivery {
		t.Fatalf("delivery event lost under backpressure: %+v", frames)
	}
	if len(frames) > 2 {
		t.Fatalf("queue bound exceeded: %d frames", len(frames))
	}
}

func TestLifecycleNotEvictedByPositions(t *testing.T) {
	h := New(1)
	ch, cancel := h.Subscribe(Filter{})
	defer cancel()

	h.PublishRouteEvent("t1", FrameRouteUpdate, "r1", "d1", map[string]any{"status": "in_progress"})
	// A flood of positions must not push the lifecycle frame out.
	for i := 0; i < 10; i++ {
		h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", TS: time.Date(2026, 9, 1, 10, 0, i, 0, time.UTC).Format(time.RFC3339)})
	}
	frames := drain(ch)
	if len(frames) != 1 || frames[0].Type != FrameRouteUpdate {
		t.Fatalf("frames = %+v, want the route update to survive", frames)
	}
}

func TestCancelDuringBroadcastDoesNotPanic(t *testing.T) {
	h := New(1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", TS: "2026-09-01T10:00:00Z"})
					h.PublishRouteEvent("t1", FrameRouteUpdate, "r1", "d1", nil)
				}
			}
		}()
	}
	// Subscribers come and go while the broadcasters hammer full queues. A
	// send racing a close would panic and fail the test.
	for i := 0; i < 500; i++ {
		_, cancel := h.Subscribe(Filter{})
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	h := New(4)
	ch, cancel := h.Subscribe(Filter{})
	cancel()
	cancel() // idempotent
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// Broadcasts after cancel must not panic.
	h.UpdatePosition("t1", model.DriverPositionSample{DriverID: "d1", TS: "2026-09-01T10:00:00Z"})
}
