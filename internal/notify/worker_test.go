package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"routedispatch/internal/model"
	"routedispatch/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []failRec
}

type markRec struct {
	ID      string
	Success bool
	Code    int
}

type failRec struct {
	ID   string
	Code int
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}

func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, failRec{ID: id, Code: responseCode})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerDeliversAndSigns(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	payload := []byte(`{"id":"evt1","type":"stop.completed"}`)
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventStopCompleted, srv.URL, "secret", payload)
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != EventStopCompleted {
		t.Fatalf("event type header = %q", gotType)
	}
	if gotSig == "" || !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature does not verify: sig=%q", gotSig)
	}
	if len(rs.marks) != 1 || !rs.marks[0].Success {
		t.Fatalf("expected success mark, got %+v", rs.marks)
	}
}

func TestWorkerFailsAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 1}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventRouteStarted, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.fails) != 1 {
		t.Fatalf("expected terminal failure, got marks=%+v fails=%+v", rs.marks, rs.fails)
	}
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 5}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventRouteStarted, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success {
		t.Fatalf("expected retry mark, got %+v", rs.marks)
	}
	// Delivery is parked until its backoff elapses.
	due, _ := rs.Memory.FetchDueWebhookDeliveries(context.Background(), 10)
	if len(due) != 0 {
		t.Fatalf("delivery due again immediately: %+v", due)
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	if nextBackoff(0) != time.Second || nextBackoff(1) != 2*time.Second || nextBackoff(3) != 8*time.Second {
		t.Fatal("backoff should double per attempt")
	}
	if nextBackoff(50) > time.Hour {
		t.Fatal("backoff must cap at one hour")
	}
}

func TestPublisherEnqueuesPerSubscription(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	mustSub := func(url string, events []string) {
		if _, err := m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: url, Events: events}); err != nil {
			t.Fatal(err)
		}
	}
	mustSub("https://a.example/hook", []string{EventRouteStarted})
	mustSub("https://b.example/hook", []string{"*"})
	mustSub("https://c.example/hook", []string{EventRouteCancelled})

	p := NewPublisher(m)
	p.Emit(ctx, "t1", EventRouteStarted, map[string]any{"routeId": "r1"})

	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("enqueued %d deliveries, want 2 (matching + wildcard)", len(due))
	}
}
