// Package api exposes the dispatch core over HTTP: REST endpoints, an SSE
// route event stream and a WebSocket live feed for dispatch consoles.
package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"routedispatch/internal/config"
	"routedispatch/internal/gateway"
	"routedispatch/internal/hub"
	"routedispatch/internal/model"
	"routedispatch/internal/notify"
	"routedispatch/internal/planner"
	"routedispatch/internal/provider"
	"routedispatch/internal/store"
	"routedispatch/internal/syncagent"
)

type Server struct {
	Store   store.Store
	Gateway *gateway.Gateway
	Planner *planner.Planner
	Hub     *hub.Hub
	Sync    *syncagent.Agent
	Pub     *notify.Publisher
	Broker  EventBroker

	webhookMaxAttempts int
}

// NewServer wires the dependency graph from config. With no DATABASE_URL the
// in-memory store serves development and tests; no REDIS_URL keeps the broker
// and gateway cache in-process.
func NewServer(cfg config.Config) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := sp.Migrate(context.Background()); err != nil {
			return nil, err
		}
		s = sp
	}

	var broker EventBroker
	var cache gateway.Cache
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			log.Printf("redis broker unavailable, using in-memory: %v", err)
			broker = NewBroker()
		}
		if opt, err := redis.ParseURL(cfg.RedisURL); err == nil {
			cache = gateway.NewRedisCache(redis.NewClient(opt))
		}
	} else {
		broker = NewBroker()
	}

	var live provider.RoutingProvider
	if cfg.Provider.BaseURL != "" {
		lp, err := provider.NewLiveProvider(provider.LiveConfig{
			BaseURL:     cfg.Provider.BaseURL,
			APIKey:      cfg.Provider.APIKey,
			Timeout:     cfg.Provider.Timeout,
			MaxAttempts: cfg.Provider.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		live = lp
	}

	pub := notify.NewPublisher(s)
	gw := gateway.New(live, nil, cache, gatewayConfig(cfg.Gateway), func(level, category string, total float64) {
		pub.Emit(context.Background(), "", notify.EventCostAlert, map[string]any{
			"level": level, "category": category, "total": total,
		})
	})

	h := hub.New(cfg.Hub.QueueSize)
	srv := &Server{
		Store:              s,
		Gateway:            gw,
		Hub:                h,
		Pub:                pub,
		Broker:             broker,
		webhookMaxAttempts: cfg.Webhooks.MaxAttempts,
	}
	srv.Planner = planner.New(s, gw, planner.Config{
		Depot:      model.GeoPoint{Lat: cfg.Planner.DepotLat, Lng: cfg.Planner.DepotLng},
		ShiftStart: cfg.Planner.ShiftStart,
	})
	srv.Sync = syncagent.New(s, func(route model.Route, stop model.RouteStop, c model.StopCompletion) {
		srv.emitStopCompleted(context.Background(), route, stop, c)
	})
	return srv, nil
}

func gatewayConfig(g config.GatewayConfig) gateway.Config {
	rates := map[string]gateway.RateLimits{}
	for cat, r := range g.Rates {
		rates[cat] = gateway.RateLimits{CallsPerSecond: r.CallsPerSecond, Burst: r.Burst, DailyQuota: r.DailyQuota}
	}
	return gateway.Config{
		CallTimeout:      g.CallTimeout,
		PlanTTL:          g.PlanTTL,
		EstimateTTL:      g.EstimateTTL,
		CircuitThreshold: g.CircuitThreshold,
		CircuitCooldown:  g.CircuitCooldown,
		RateMaxWait:      g.RateMaxWait,
		Rates:            rates,
		Cost: gateway.CostConfig{
			CostPerCall:     g.Cost.CostPerCall,
			DailyWarning:    g.Cost.DailyWarning,
			DailyCritical:   g.Cost.DailyCritical,
			MonthlyWarning:  g.Cost.MonthlyWarning,
			MonthlyCritical: g.Cost.MonthlyCritical,
		},
	}
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	// Tenant comes from a header for now; production decodes it from the
	// session token.
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
	return ctx, tenant
}

type ctxKeyTenant struct{}

// NewWebhookWorker creates the background delivery worker.
func (s *Server) NewWebhookWorker() *notify.Worker {
	return notify.NewWorker(s.Store, s.webhookMaxAttempts)
}

// emitRouteEvent fans one lifecycle event out to every surface: SSE stream,
// WebSocket hub, webhook queue.
func (s *Server) emitRouteEvent(ctx context.Context, eventType, frameType string, route model.Route, extra map[string]any) {
	data := map[string]any{
		"routeId":  route.ID,
		"driverId": route.DriverID,
		"status":   route.Status,
		"version":  route.Version,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.Broker.Publish(route.ID, SSEEvent{Type: eventType, Data: data})
	s.Hub.PublishRouteEvent(route.TenantID, frameType, route.ID, route.DriverID, data)
	s.Pub.Emit(ctx, route.TenantID, eventType, data)
}

func (s *Server) emitStopCompleted(ctx context.Context, route model.Route, stop model.RouteStop, c model.StopCompletion) {
	s.emitRouteEvent(ctx, notify.EventStopCompleted, hub.FrameDeliveryStatus, route, map[string]any{
		"stopId":      stop.ID,
		"orderId":     stop.OrderID,
		"seq":         stop.Seq,
		"completedAt": stop.CompletedAt,
		"source":      c.Source,
	})
}
