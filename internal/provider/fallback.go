package provider

import (
	"context"
	"math"
	"sort"

	"routedispatch/internal/model"
)

// FallbackHeuristicProvider computes a usable-but-suboptimal ordering locally
// so dispatch is never blocked by provider unavailability. Nearest-neighbor
// insertion from the depot, ties broken by earliest requested time window,
// then priority, then stop id for determinism. An optional bounded 2-opt pass
// trims obvious crossings.
type FallbackHeuristicProvider struct {
	// AvgSpeedKph converts haversine distance into a duration estimate.
	AvgSpeedKph float64
	// TwoOptIterations bounds the improvement pass; 0 disables it.
	TwoOptIterations int
}

func NewFallbackProvider() *FallbackHeuristicProvider {
	return &FallbackHeuristicProvider{AvgSpeedKph: 30, TwoOptIterations: 2}
}

func (p *FallbackHeuristicProvider) PlanRoute(ctx context.Context, req PlanRequest) (PlanResult, error) {
	order := nearestNeighborOrder(req.Depot, req.Stops)
	if p.TwoOptIterations > 0 && len(order) > 3 {
		order = improveOrder2Opt(req.Depot, req.Stops, order, p.TwoOptIterations)
	}

	res := PlanResult{
		Ordered:    make([]PlannedStop, 0, len(order)),
		Confidence: 0.5,
		Degraded:   true,
	}
	cur := req.Depot
	elapsed := 0
	for _, idx := range order {
		st := req.Stops[idx]
		distM := int(haversineMeters(cur.Lat, cur.Lng, st.Location.Lat, st.Location.Lng))
		durSec := p.travelSeconds(distM)
		elapsed += durSec
		res.Ordered = append(res.Ordered, PlannedStop{
			StopID:         st.ID,
			ETASec:         elapsed,
			LegDistanceM:   distM,
			LegDurationSec: durSec,
		})
		res.TotalDistanceM += distM
		res.TotalDurationSec += durSec
		cur = st.Location
	}
	if req.Constraints.ReturnToDepot && len(order) > 0 {
		back := int(haversineMeters(cur.Lat, cur.Lng, req.Depot.Lat, req.Depot.Lng))
		res.TotalDistanceM += back
		res.TotalDurationSec += p.travelSeconds(back)
	}
	return res, nil
}

func (p *FallbackHeuristicProvider) EstimateTravel(ctx context.Context, from, to model.GeoPoint) (TravelEstimate, error) {
	distM := int(haversineMeters(from.Lat, from.Lng, to.Lat, to.Lng))
	return TravelEstimate{DistanceM: distM, DurationSec: p.travelSeconds(distM)}, nil
}

func (p *FallbackHeuristicProvider) travelSeconds(distM int) int {
	speed := p.AvgSpeedKph
	if speed <= 0 {
		speed = 30
	}
	return int(float64(distM) / (speed * 1000 / 3600))
}

// nearestNeighborOrder returns stop indices: start at the depot, repeatedly
// append the closest unvisited stop.
func nearestNeighborOrder(depot model.GeoPoint, stops []Stop) []int {
	remaining := make([]int, len(stops))
	for i := range stops {
		remaining[i] = i
	}
	order := make([]int, 0, len(stops))
	cur := depot
	for len(remaining) > 0 {
		best := -1
		bestDist := math.MaxFloat64
		for _, idx := range remaining {
			d := haversineMeters(cur.Lat, cur.Lng, stops[idx].Location.Lat, stops[idx].Location.Lng)
			if d < bestDist || (d == bestDist && best >= 0 && tieBefore(stops[idx], stops[best])) {
				best = idx
				bestDist = d
			}
		}
		order = append(order, best)
		cur = stops[best].Location
		for i, idx := range remaining {
			if idx == best {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return order
}

// tieBefore orders a ahead of b when distances are equal.
func tieBefore(a, b Stop) bool {
	aw, bw := windowStart(a), windowStart(b)
	if aw != bw {
		return aw < bw
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

func windowStart(s Stop) string {
	if s.TimeWindow == nil {
		return "~" // sorts after any RFC3339/HH:MM value
	}
	return s.TimeWindow.Start
}

// improveOrder2Opt applies a bounded 2-opt pass over the depot-rooted path.
func improveOrder2Opt(depot model.GeoPoint, stops []Stop, order []int, iterations int) []int {
	best := append([]int(nil), order...)
	bestDist := pathDistance(depot, stops, best)
	n := len(order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				d := pathDistance(depot, stops, cand)
				if d+1e-3 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func pathDistance(depot model.GeoPoint, stops []Stop, order []int) float64 {
	total := 0.0
	cur := depot
	for _, idx := range order {
		loc := stops[idx].Location
		total += haversineMeters(cur.Lat, cur.Lng, loc.Lat, loc.Lng)
		cur = loc
	}
	return total
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// SortStopsByWindow orders stops by time window start; used by callers that
// need a deterministic pre-order before planning.
func SortStopsByWindow(stops []Stop) {
	sort.SliceStable(stops, func(i, j int) bool { return tieBefore(stops[i], stops[j]) })
}
