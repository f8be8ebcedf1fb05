// Package syncagent replays delivery completions captured on disconnected
// devices. Entries are applied exactly once: the (device, localSeq) key is
// checked before any state change, and a replayed key returns the original
// outcome without touching the route again.
package syncagent

import (
	"context"
	"errors"
	"sort"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
	"routedispatch/internal/state"
	"routedispatch/internal/store"
)

// Rejection reasons reported per entry.
const (
	ReasonAlreadyCompleted = "already_completed"
	ReasonInvalidState     = "invalid_state"
	ReasonUnknownStop      = "unknown_stop"
)

// Applied is the callback fired after an entry lands, so the caller can emit
// lifecycle events. Never fired for replays or rejections.
type Applied func(route model.Route, stop model.RouteStop, c model.StopCompletion)

type Agent struct {
	store   store.Store
	applied Applied
}

func New(s store.Store, applied Applied) *Agent {
	return &Agent{store: s, applied: applied}
}

// SubmitBatch processes a device's offline queue. Entries from the same
// device are applied in localSeq order regardless of arrival order within
// the batch. One bad entry does not fail the batch; each gets its own
// result row.
func (a *Agent) SubmitBatch(ctx context.Context, tenantID string, entries []model.OfflineSyncEntry) ([]model.SyncEntryResult, error) {
	ordered := make([]model.OfflineSyncEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DeviceID != ordered[j].DeviceID {
			return ordered[i].DeviceID < ordered[j].DeviceID
		}
		return ordered[i].LocalSeq < ordered[j].LocalSeq
	})

	byKey := make(map[string]model.SyncEntryResult, len(ordered))
	for _, e := range ordered {
		key := e.IdempotencyKey()
		if _, ok := byKey[key]; ok {
			// Duplicate inside the same batch; first occurrence wins.
			continue
		}
		res, err := a.apply(ctx, tenantID, e)
		if err != nil {
			return nil, err
		}
		byKey[key] = res
	}

	// Results come back in the caller's original entry order.
	out := make([]model.SyncEntryResult, 0, len(entries))
	for _, e := range entries {
		out = append(out, byKey[e.IdempotencyKey()])
	}
	return out, nil
}

func (a *Agent) apply(ctx context.Context, tenantID string, e model.OfflineSyncEntry) (model.SyncEntryResult, error) {
	key := e.IdempotencyKey()

	if _, prior, err := a.store.GetSyncEntry(ctx, tenantID, key); err == nil {
		metrics.SyncEntries.WithLabelValues("replayed").Inc()
		return prior, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.SyncEntryResult{}, err
	}

	c := e.Completion
	c.Source = "offline_sync"
	route, stop, err := a.store.CompleteStop(ctx, tenantID, e.StopID, c)

	res := model.SyncEntryResult{Key: key, StopID: e.StopID}
	switch {
	case err == nil:
		res.Status = model.SyncApplied
		res.RouteID = route.ID
	case errors.Is(err, store.ErrStopCompleted):
		res.Status = model.SyncRejected
		res.Reason = ReasonAlreadyCompleted
	case errors.Is(err, store.ErrNotFound):
		res.Status = model.SyncRejected
		res.Reason = ReasonUnknownStop
	default:
		var ste *state.InvalidStateTransitionError
		if !errors.As(err, &ste) {
			return model.SyncEntryResult{}, err
		}
		res.Status = model.SyncRejected
		res.Reason = ReasonInvalidState
	}

	e.Status = res.Status
	e.Reason = res.Reason
	if err := a.store.SaveSyncEntry(ctx, tenantID, e, res); err != nil {
		return model.SyncEntryResult{}, err
	}
	metrics.SyncEntries.WithLabelValues(res.Status).Inc()

	if res.Status == model.SyncApplied && a.applied != nil {
		a.applied(route, stop, c)
	}
	return res, nil
}
