package provider

import (
	"context"
	"testing"

	"routedispatch/internal/model"
)

func TestFallbackNearestNeighborOrder(t *testing.T) {
	p := NewFallbackProvider()
	req := PlanRequest{
		Depot: model.GeoPoint{Lat: 0, Lng: 0},
		Stops: []Stop{
			{ID: "far", Location: model.GeoPoint{Lat: 0.10, Lng: 0}},
			{ID: "near", Location: model.GeoPoint{Lat: 0.01, Lng: 0}},
			{ID: "mid", Location: model.GeoPoint{Lat: 0.03, Lng: 0}},
		},
	}
	res, err := p.PlanRoute(context.Background(), req)
	if err != nil {
		t.Fatalf("PlanRoute: %v", err)
	}
	if !res.Degraded {
		t.Fatal("fallback result must be tagged degraded")
	}
	got := []string{}
	for _, ps := range res.Ordered {
		got = append(got, ps.StopID)
	}
	want := []string{"near", "mid", "far"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFallbackReturnsPermutation(t *testing.T) {
	p := NewFallbackProvider()
	req := PlanRequest{Depot: model.GeoPoint{Lat: 40.0, Lng: -75.0}}
	for i := 0; i < 7; i++ {
		req.Stops = append(req.Stops, Stop{
			ID:       string(rune('a' + i)),
			Location: model.GeoPoint{Lat: 40.0 + float64(i%3)*0.01, Lng: -75.0 + float64(i)*0.007},
		})
	}
	res, err := p.PlanRoute(context.Background(), req)
	if err != nil {
		t.Fatalf("PlanRoute: %v", err)
	}
	if len(res.Ordered) != len(req.Stops) {
		t.Fatalf("got %d stops, want %d", len(res.Ordered), len(req.Stops))
	}
	seen := map[string]bool{}
	for _, ps := range res.Ordered {
		if seen[ps.StopID] {
			t.Fatalf("stop %s appears twice", ps.StopID)
		}
		seen[ps.StopID] = true
	}
	if res.TotalDistanceM <= 0 || res.TotalDurationSec <= 0 {
		t.Fatalf("totals not populated: %+v", res)
	}
	// ETAs are cumulative.
	prev := 0
	for _, ps := range res.Ordered {
		if ps.ETASec < prev {
			t.Fatalf("ETA went backwards: %+v", res.Ordered)
		}
		prev = ps.ETASec
	}
}

func TestFallbackEstimateTravel(t *testing.T) {
	p := NewFallbackProvider()
	est, err := p.EstimateTravel(context.Background(), model.GeoPoint{Lat: 0, Lng: 0}, model.GeoPoint{Lat: 0, Lng: 1})
	if err != nil {
		t.Fatalf("EstimateTravel: %v", err)
	}
	// One degree of longitude at the equator is ~111km.
	if est.DistanceM < 110000 || est.DistanceM > 112500 {
		t.Fatalf("distance = %d, want ~111km", est.DistanceM)
	}
	if est.DurationSec <= 0 {
		t.Fatalf("duration = %d", est.DurationSec)
	}
}

func TestSortStopsByWindow(t *testing.T) {
	stops := []Stop{
		{ID: "c"},
		{ID: "b", TimeWindow: &model.TimeWindow{Start: "10:00"}},
		{ID: "a", TimeWindow: &model.TimeWindow{Start: "08:00"}},
	}
	SortStopsByWindow(stops)
	if stops[0].ID != "a" || stops[1].ID != "b" || stops[2].ID != "c" {
		t.Fatalf("got order %s %s %s", stops[0].ID, stops[1].ID, stops[2].ID)
	}
}
