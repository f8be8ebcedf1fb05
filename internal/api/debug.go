package api

import (
	"net/http"
	"os"
	"time"

	"routedispatch/internal/buildinfo"
)

// DebugJSON handles /debug/info: build metadata plus gateway call stats.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":   buildinfo.Info(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"gateway": s.Gateway.Stats(),
		"config": map[string]any{
			"PORT":             os.Getenv("PORT"),
			"HAS_DATABASE_URL": os.Getenv("DATABASE_URL") != "",
			"HAS_REDIS_URL":    os.Getenv("REDIS_URL") != "",
			"HAS_ROUTING_KEY":  os.Getenv("ROUTING_API_KEY") != "",
		},
	}
	writeJSON(w, http.StatusOK, info)
}
