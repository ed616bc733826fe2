// Package http provides the HTTP transport layer for remindd.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	POST /tenants/{tenant}/reminders/schedule
//	POST /tenants/{tenant}/reminders/cancel
//	POST /tenants/{tenant}/reminders/process
//	GET  /tenants/{tenant}/reminders/status[?invoice_id=]
//	GET  /tenants/{tenant}/reminders/events   (websocket)
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/kivohq/remindd/internal/actor"
	"github.com/kivohq/remindd/internal/config"
	"github.com/kivohq/remindd/internal/metrics"
	transportws "github.com/kivohq/remindd/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with remindd route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around the actor registry. ws may be nil to disable
// the event stream endpoint.
func New(cfg *config.Config, registry *actor.Registry, m *metrics.Metrics, ws *transportws.Handler) *Server {
	h := &Handler{registry: registry}

	r := chi.NewRouter()
	r.Use(ObserveMiddleware(m))
	r.Use(MaxBodyMiddleware)
	if cfg.RateLimit.Enabled {
		r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	r.Get("/health", h.health)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/tenants/{tenant}/reminders", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled))
		r.Post("/schedule", h.schedule)
		r.Post("/cancel", h.cancel)
		r.Post("/process", h.process)
		r.Get("/status", h.status)
		if ws != nil {
			r.Method(http.MethodGet, "/events", ws)
		}
	})

	return &Server{
		inner: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks serving requests until Shutdown or a fatal error.
func (s *Server) ListenAndServe() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// Router exposes the routed handler, mainly so tests can drive the server
// through httptest without opening a socket.
func (s *Server) Router() http.Handler {
	return s.inner.Handler
}
