// Package websocket streams live dispatch events to connected clients.
//
// Clients open a WebSocket connection to:
//
//	GET /tenants/{tenant}/reminders/events
//
// and receive one JSON frame per dispatch outcome for that tenant:
//
//	{"tenant_id":"...","invoice_id":"...","kind":"on_due","idempotency_key":"...","outcome":"delivered","at":...}
//
// The feed is observational only. Dropping frames to a slow client never
// affects reminder processing.
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi"
	gorillaws "github.com/gorilla/websocket"

	"github.com/kivohq/remindd/internal/events"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered dead.
const writeWait = 10 * time.Second

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches
	// the Host header (scheme-agnostic). Requests without an Origin header
	// (native clients, curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the dispatch event stream for one tenant.
type Handler struct {
	Feed *events.Feed
}

// ServeHTTP upgrades the connection and forwards feed events for the tenant
// in the URL until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if tenant == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "tenant", tenant, "error", err)
		return
	}
	defer conn.Close()

	sub, cancel := h.Feed.Subscribe()
	defer cancel()

	// Read pump: discard inbound frames, detect disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-sub:
			if ev.TenantID != tenant {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("ws write failed, dropping client",
					"tenant", tenant,
					"error", err,
				)
				return
			}
		}
	}
}
