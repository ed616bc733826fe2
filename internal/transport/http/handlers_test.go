package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kivohq/remindd/internal/actor"
	"github.com/kivohq/remindd/internal/config"
	"github.com/kivohq/remindd/internal/dispatch"
	"github.com/kivohq/remindd/internal/invoice"
	"github.com/kivohq/remindd/internal/ledger"
	"github.com/kivohq/remindd/internal/metrics"
	"github.com/kivohq/remindd/internal/reminder"
	"github.com/kivohq/remindd/internal/store"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type memLedger map[string]ledger.Entry

func (l memLedger) HasBeenSent(_ context.Context, key string) (bool, error) {
	_, ok := l[key]
	return ok, nil
}

func (l memLedger) RecordSent(_ context.Context, key string, e ledger.Entry) error {
	if _, ok := l[key]; !ok {
		l[key] = e
	}
	return nil
}

type memSource map[string]*invoice.Invoice

func (s memSource) Get(_ context.Context, _, invoiceID string) (*invoice.Invoice, error) {
	inv, ok := s[invoiceID]
	if !ok {
		return nil, invoice.ErrNotFound
	}
	return inv, nil
}

type okDispatcher struct{ sends int }

func (d *okDispatcher) Send(_ context.Context, inv *invoice.Invoice, _ reminder.Kind) (dispatch.Outcome, error) {
	if inv.Status.Terminal() || !inv.RemindersEnabled {
		return dispatch.OutcomeSuppressed, nil
	}
	d.sends++
	return dispatch.OutcomeDelivered, nil
}

type noopAlarm struct{}

func (noopAlarm) Set(string, int64) error { return nil }
func (noopAlarm) Clear(string) error      { return nil }

// ─── Fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	handler    http.Handler
	source     memSource
	dispatcher *okDispatcher
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		source:     memSource{},
		dispatcher: &okDispatcher{},
	}
	registry := actor.NewRegistry(actor.Deps{
		Store:      st,
		Ledger:     memLedger{},
		Source:     f.source,
		Dispatcher: f.dispatcher,
		Alarm:      noopAlarm{},
	})

	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	srv := New(cfg, registry, metrics.New(), nil)
	f.handler = srv.Router()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, rr))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestScheduleAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	due := time.Now().Add(240 * time.Hour).UTC().Format(time.RFC3339)

	rr := f.do(http.MethodPost, "/tenants/t1/reminders/schedule",
		fmt.Sprintf(`{"invoice_id":"inv-1","due_date":%q}`, due))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, scheduleResp{Scheduled: 3}, decode[scheduleResp](t, rr))

	rr = f.do(http.MethodGet, "/tenants/t1/reminders/status?invoice_id=inv-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	sched := decode[*reminder.Schedule](t, rr)
	require.NotNil(t, sched)
	assert.Len(t, sched.Jobs, 3)

	// Full tenant state.
	rr = f.do(http.MethodGet, "/tenants/t1/reminders/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	state := decode[reminder.State](t, rr)
	assert.Contains(t, state.Invoices, "inv-1")
}

func TestStatusUntrackedInvoiceIsNull(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/tenants/t1/reminders/status?invoice_id=ghost", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "null", strings.TrimSpace(rr.Body.String()))
}

func TestScheduleDueDateForms(t *testing.T) {
	f := newFixture(t, nil)
	ms := time.Now().Add(240 * time.Hour).UnixMilli()

	tests := []struct {
		name string
		body string
	}{
		{"unix millis number", fmt.Sprintf(`{"invoice_id":"a","due_date":%d}`, ms)},
		{"unix millis string", fmt.Sprintf(`{"invoice_id":"b","due_date":"%d"}`, ms)},
		{"relative duration", `{"invoice_id":"c","due_date":"+240h"}`},
		{"rfc3339", fmt.Sprintf(`{"invoice_id":"d","due_date":%q}`, time.UnixMilli(ms).UTC().Format(time.RFC3339))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(http.MethodPost, "/tenants/t1/reminders/schedule", tt.body)
			assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		})
	}
}

func TestScheduleRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing invoice id", `{"due_date":"+24h"}`},
		{"missing due date", `{"invoice_id":"inv-1"}`},
		{"zero due date", `{"invoice_id":"inv-1","due_date":0}`},
		{"garbage due date", `{"invoice_id":"inv-1","due_date":"someday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(http.MethodPost, "/tenants/t1/reminders/schedule", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, decode[errResp](t, rr).Error)
		})
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(http.MethodPost, "/tenants/t1/reminders/schedule",
		`{"invoice_id":"inv-1","due_date":"+240h"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodPost, "/tenants/t1/reminders/cancel", `{"invoice_id":"inv-1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[cancelResp](t, rr).Cancelled)

	// Cancelling an unknown invoice still succeeds.
	rr = f.do(http.MethodPost, "/tenants/t1/reminders/cancel", `{"invoice_id":"ghost"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodGet, "/tenants/t1/reminders/status?invoice_id=inv-1", "")
	sched := decode[*reminder.Schedule](t, rr)
	require.NotNil(t, sched)
	assert.True(t, sched.Cancelled)
}

func TestProcessEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.source["inv-1"] = &invoice.Invoice{
		ID: "inv-1", Number: "INV-1", Status: invoice.StatusPending,
		ClientEmail: "c@example.com", RemindersEnabled: true,
	}

	// Schedule far in the past so the surviving after-due job is due now.
	past := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	rr := f.do(http.MethodPost, "/tenants/t1/reminders/schedule",
		fmt.Sprintf(`{"invoice_id":"inv-1","due_date":%d}`, past))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodPost, "/tenants/t1/reminders/process", "")
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[actor.ProcessResult](t, rr)
	assert.Equal(t, actor.ProcessResult{Processed: 1, Sent: 1}, res)
	assert.Equal(t, 1, f.dispatcher.sends)
}

func TestInvalidTenant(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(http.MethodGet, "/tenants/../reminders/status", "")
	assert.NotEqual(t, http.StatusOK, rr.Code)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "sekrit"
	})

	// Tenant routes require the key.
	rr := f.do(http.MethodGet, "/tenants/t1/reminders/status", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/tenants/t1/reminders/status", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/tenants/t1/reminders/status", nil)
	req.Header.Set("X-Api-Key", "sekrit")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rr = f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestParseDueDate(t *testing.T) {
	ms, err := parseDueDate(json.RawMessage(`1742000000000`))
	require.NoError(t, err)
	assert.Equal(t, int64(1742000000000), ms)

	ms, err = parseDueDate(json.RawMessage(`"2026-03-15T00:00:00Z"`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC).UnixMilli(), ms)

	before := time.Now().Add(time.Hour).UnixMilli()
	ms, err = parseDueDate(json.RawMessage(`"+1h"`))
	require.NoError(t, err)
	after := time.Now().Add(time.Hour).UnixMilli()
	assert.GreaterOrEqual(t, ms, before)
	assert.LessOrEqual(t, ms, after)

	for _, raw := range []string{``, `-5`, `"nope"`, `"+soon"`, `[1,2]`} {
		_, err := parseDueDate(json.RawMessage(raw))
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestValidName(t *testing.T) {
	assert.True(t, validName("tenant-1"))
	assert.True(t, validName("user_01HZX"))
	assert.False(t, validName(""))
	assert.False(t, validName(".."))
	assert.False(t, validName("a/b"))
	assert.False(t, validName(strings.Repeat("x", 200)))
}
