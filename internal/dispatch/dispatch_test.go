package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kivohq/remindd/internal/invoice"
	"github.com/kivohq/remindd/internal/reminder"
)

func testInvoice() *invoice.Invoice {
	return &invoice.Invoice{
		ID:               "inv-1",
		Number:           "INV-0042",
		Status:           invoice.StatusPending,
		DueDate:          time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Currency:         "EUR",
		Total:            "1250.00",
		ClientName:       "Acme GmbH",
		ClientEmail:      "billing@acme.example",
		PublicToken:      "tok-abc",
		BusinessName:     "Studio North",
		RemindersEnabled: true,
	}
}

func TestSendDelivers(t *testing.T) {
	var got sendReq
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmail(Config{
		APIKey:        "re_test",
		From:          "billing@kivo.example",
		PublicBaseURL: "https://app.kivo.example",
		Endpoint:      srv.URL,
	})

	outcome, err := e.Send(context.Background(), testInvoice(), reminder.KindOnDue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	assert.Equal(t, "Bearer re_test", auth)
	assert.Equal(t, "Studio North <billing@kivo.example>", got.From)
	assert.Equal(t, "billing@acme.example", got.To)
	assert.Equal(t, "Invoice INV-0042 is due today", got.Subject)
	assert.Contains(t, got.HTML, "INV-0042")
	assert.Contains(t, got.HTML, "EUR 1250.00")
	assert.Contains(t, got.HTML, "https://app.kivo.example/invoice/tok-abc")
	assert.NotContains(t, got.HTML, "overdue")
}

func TestSendOverdueBody(t *testing.T) {
	var got sendReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmail(Config{From: "billing@kivo.example", Endpoint: srv.URL})

	outcome, err := e.Send(context.Background(), testInvoice(), reminder.KindAfterDue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, "Overdue: Invoice INV-0042 requires attention", got.Subject)
	assert.Contains(t, got.HTML, "This invoice is overdue")
}

func TestSendSuppressesTerminalInvoice(t *testing.T) {
	// The endpoint must never be contacted for a suppressed invoice.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider contacted for a suppressed invoice")
	}))
	defer srv.Close()

	e := NewEmail(Config{From: "billing@kivo.example", Endpoint: srv.URL})

	for _, status := range []invoice.Status{invoice.StatusPaid, invoice.StatusVoid} {
		inv := testInvoice()
		inv.Status = status
		outcome, err := e.Send(context.Background(), inv, reminder.KindOnDue)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuppressed, outcome, "status %s", status)
	}

	inv := testInvoice()
	inv.RemindersEnabled = false
	outcome, err := e.Send(context.Background(), inv, reminder.KindOnDue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, outcome)
}

func TestSendProviderErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewEmail(Config{From: "billing@kivo.example", Endpoint: srv.URL})

	_, err := e.Send(context.Background(), testInvoice(), reminder.KindOnDue)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "Reminder: Invoice INV-1 is due soon", Subject("INV-1", reminder.KindBeforeDue))
	assert.Equal(t, "Invoice INV-1 is due today", Subject("INV-1", reminder.KindOnDue))
	assert.Equal(t, "Overdue: Invoice INV-1 requires attention", Subject("INV-1", reminder.KindAfterDue))
}

func TestRenderHTMLFallbacks(t *testing.T) {
	inv := testInvoice()
	inv.BusinessName = ""
	inv.PublicToken = ""

	html := renderHTML(inv, reminder.KindOnDue, "https://app.kivo.example")
	assert.Contains(t, html, "Kivo", "default business name")
	assert.NotContains(t, html, "View Invoice", "no link without a public token")
	assert.Contains(t, html, "Mar 15, 2026")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", OutcomeDelivered.String())
	assert.Equal(t, "suppressed", OutcomeSuppressed.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
