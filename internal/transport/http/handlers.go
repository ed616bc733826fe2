package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"

	"github.com/kivohq/remindd/internal/actor"
)

// validName returns true when name is safe to use as a path component. It
// rejects strings that are empty, too long, or that could be abused for
// path traversal.
func validName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.ContainsAny(s, "/\\\x00") {
		return false
	}
	if s == "." || s == ".." {
		return false
	}
	return true
}

// Handler groups the reminder operation handlers around the actor registry.
type Handler struct {
	registry *actor.Registry
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type scheduleReq struct {
	InvoiceID string `json:"invoice_id"`
	// DueDate accepts RFC 3339, unix milliseconds, or "+duration" relative
	// to now (handy for manual testing).
	DueDate json.RawMessage `json:"due_date"`
}

type scheduleResp struct {
	Scheduled int `json:"scheduled"`
}

type cancelReq struct {
	InvoiceID string `json:"invoice_id"`
}

type cancelResp struct {
	Cancelled bool `json:"cancelled"`
}

type errResp struct {
	Error string `json:"error"`
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

// mapError translates actor errors into HTTP responses.
func mapError(w http.ResponseWriter, err error) {
	if errors.Is(err, actor.ErrInvalidArgument) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeErr(w, http.StatusInternalServerError, err.Error())
}

// tenantParam extracts and validates the tenant path parameter, writing the
// error response itself when invalid.
func tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := chi.URLParam(r, "tenant")
	if !validName(tenant) {
		writeErr(w, http.StatusBadRequest, "invalid tenant id")
		return "", false
	}
	return tenant, true
}

// parseDueDate turns the raw due_date value into UTC milliseconds.
func parseDueDate(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("due_date is required")
	}

	// Plain JSON number → unix milliseconds.
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return 0, errors.New("due_date must be a positive timestamp")
		}
		return ms, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.New("due_date must be a string or unix milliseconds")
	}

	// "+duration" → relative to now.
	if len(s) > 1 && s[0] == '+' {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return 0, fmt.Errorf("parse due_date as relative time: %w", err)
		}
		return time.Now().Add(d).UnixMilli(), nil
	}

	// Digits-only string → unix milliseconds.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return 0, errors.New("due_date must be a positive timestamp")
		}
		return ms, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("parse due_date: %w", err)
	}
	return t.UnixMilli(), nil
}

// ─── Operation handlers ──────────────────────────────────────────────────────

// schedule creates or replaces the reminder set for an invoice.
// POST /tenants/{tenant}/reminders/schedule
func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "parse request body: "+err.Error())
		return
	}
	if req.InvoiceID == "" {
		writeErr(w, http.StatusBadRequest, "invoice_id is required")
		return
	}
	dueDate, err := parseDueDate(req.DueDate)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.registry.Actor(tenant).Schedule(r.Context(), req.InvoiceID, dueDate)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResp{Scheduled: n})
}

// cancel marks an invoice's reminders as cancelled.
// POST /tenants/{tenant}/reminders/cancel
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}

	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "parse request body: "+err.Error())
		return
	}
	if req.InvoiceID == "" {
		writeErr(w, http.StatusBadRequest, "invoice_id is required")
		return
	}

	if err := h.registry.Actor(tenant).Cancel(r.Context(), req.InvoiceID); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{Cancelled: true})
}

// process runs a manual process pass for one tenant. Normally the alarm and
// the sweep drive processing; this endpoint exists for administrative
// triggering and as the externally callable safety net.
// POST /tenants/{tenant}/reminders/process
func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}

	res, err := h.registry.Actor(tenant).Process(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// status returns the tracked schedule for one invoice (?invoice_id=) or the
// tenant's full state.
// GET /tenants/{tenant}/reminders/status
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}

	a := h.registry.Actor(tenant)

	if invoiceID := r.URL.Query().Get("invoice_id"); invoiceID != "" {
		sched, err := a.InvoiceStatus(r.Context(), invoiceID)
		if err != nil {
			mapError(w, err)
			return
		}
		// An untracked invoice serializes as null, matching "no schedule".
		writeJSON(w, http.StatusOK, sched)
		return
	}

	state, err := a.Status(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// health reports liveness.
// GET /health
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
