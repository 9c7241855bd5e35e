package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// StartStatusServer exposes the status surface over HTTP:
//
//	GET /status  - supervisor snapshot (state, counters, last seen)
//	GET /healthz - liveness of the bridge process itself
//
// Dashboards poll /status on a fixed interval, so CORS is open for GET.
func (s *Supervisor) StartStatusServer(ctx context.Context, addr string) (string, error) {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Status())
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return serveUntilContext(ctx, addr, r)
}
