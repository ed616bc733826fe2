// Package dispatch renders and transmits reminder notifications.
//
// The dispatcher is a stateless collaborator of the scheduler actor: given
// the invoice's current state and a reminder kind it sends exactly one email
// and reports the outcome. It never retries; transient failures are
// surfaced to the actor, which leaves the job pending for the next wake-up.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kivohq/remindd/internal/invoice"
	"github.com/kivohq/remindd/internal/reminder"
)

// Outcome reports what the dispatcher did with a job.
type Outcome int

const (
	// OutcomeDelivered means the notification was accepted by the transport.
	OutcomeDelivered Outcome = iota
	// OutcomeSuppressed means the invoice state made the notification moot
	// (paid, void, or reminders disabled). The job is consumed without a
	// send and must never be retried.
	OutcomeSuppressed
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSuppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Dispatcher sends one reminder notification. A non-nil error is transient:
// the caller retries on a later wake-up. Implementations must not retry
// internally.
type Dispatcher interface {
	Send(ctx context.Context, inv *invoice.Invoice, kind reminder.Kind) (Outcome, error)
}

// resendEndpoint is the Resend transactional email API.
const resendEndpoint = "https://api.resend.com/emails"

// Config holds the settings for the email dispatcher.
type Config struct {
	APIKey        string
	From          string
	PublicBaseURL string
	Timeout       time.Duration

	// MaxRate / Burst throttle outbound sends to stay inside the email
	// provider's quota. Zero MaxRate disables the throttle.
	MaxRate float64
	Burst   int

	// Endpoint overrides the Resend API URL. Used by tests; leave empty in
	// production.
	Endpoint string
}

// Email sends reminder notifications through the Resend HTTP API.
type Email struct {
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	endpoint string
}

// NewEmail builds an Email dispatcher from cfg.
func NewEmail(cfg Config) *Email {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = resendEndpoint
	}
	var limiter *rate.Limiter
	if cfg.MaxRate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), burst)
	}
	return &Email{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		endpoint: endpoint,
	}
}

// sendReq is the Resend API request body.
type sendReq struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send renders and transmits one reminder email for inv.
//
// Invoices in a terminal state, or with reminders switched off, are
// suppressed: the event is consumed without contacting the provider, so a
// settled invoice scheduled long ago never emails the client.
func (e *Email) Send(ctx context.Context, inv *invoice.Invoice, kind reminder.Kind) (Outcome, error) {
	if inv.Status.Terminal() || !inv.RemindersEnabled {
		return OutcomeSuppressed, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("dispatch: rate limiter: %w", err)
		}
	}

	from := e.cfg.From
	if inv.BusinessName != "" {
		from = fmt.Sprintf("%s <%s>", inv.BusinessName, e.cfg.From)
	}

	body, err := json.Marshal(sendReq{
		From:    from,
		To:      inv.ClientEmail,
		Subject: Subject(inv.Number, kind),
		HTML:    renderHTML(inv, kind, e.cfg.PublicBaseURL),
	})
	if err != nil {
		return 0, fmt.Errorf("dispatch: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dispatch: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a bounded chunk of the error body for the log line.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("dispatch: provider returned %d: %s", resp.StatusCode, msg)
	}

	return OutcomeDelivered, nil
}

// Subject returns the email subject line for a reminder kind. Exported so
// tests and ops tooling can match provider logs against expected subjects.
func Subject(invoiceNumber string, kind reminder.Kind) string {
	switch kind {
	case reminder.KindBeforeDue:
		return fmt.Sprintf("Reminder: Invoice %s is due soon", invoiceNumber)
	case reminder.KindOnDue:
		return fmt.Sprintf("Invoice %s is due today", invoiceNumber)
	case reminder.KindAfterDue:
		return fmt.Sprintf("Overdue: Invoice %s requires attention", invoiceNumber)
	default:
		return fmt.Sprintf("Invoice %s", invoiceNumber)
	}
}

// bodyTmpl is the HTML email body. Kept close to the application's invoice
// email styling: card layout, amount, due date, call-to-action link, and a
// warning banner for overdue notices.
var bodyTmpl = template.Must(template.New("reminder").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: -apple-system, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h1 style="color: #1a1a1a;">{{.BusinessName}}</h1>
  <div style="background: {{if .Overdue}}#fef2f2{{else}}#f9fafb{{end}}; padding: 30px; border-radius: 8px;">
    <h2>Invoice {{.Number}}</h2>
    <p>Amount: <strong>{{.Currency}} {{.Total}}</strong></p>
    <p>Due: {{.DueDate}}</p>
    {{if .Overdue}}<p style="color: #dc2626; font-weight: bold;">This invoice is overdue</p>{{end}}
    {{if .PublicURL}}<a href="{{.PublicURL}}" style="background: #2563eb; color: white; padding: 12px 24px; text-decoration: none; border-radius: 6px; display: inline-block;">View Invoice</a>{{end}}
  </div>
</body>
</html>
`))

// bodyData is the template input for bodyTmpl.
type bodyData struct {
	BusinessName string
	Number       string
	Currency     string
	Total        string
	DueDate      string
	Overdue      bool
	PublicURL    string
}

// renderHTML produces the email body for inv and kind.
func renderHTML(inv *invoice.Invoice, kind reminder.Kind, publicBaseURL string) string {
	name := inv.BusinessName
	if name == "" {
		name = "Kivo"
	}
	publicURL := ""
	if inv.PublicToken != "" {
		publicURL = fmt.Sprintf("%s/invoice/%s", publicBaseURL, inv.PublicToken)
	}

	var buf bytes.Buffer
	// The template is static and the data struct matches it; an execute
	// error here would be a programming bug, not runtime input.
	_ = bodyTmpl.Execute(&buf, bodyData{
		BusinessName: name,
		Number:       inv.Number,
		Currency:     inv.Currency,
		Total:        inv.Total,
		DueDate:      time.UnixMilli(inv.DueDate).UTC().Format("Jan 2, 2006"),
		Overdue:      kind == reminder.KindAfterDue,
		PublicURL:    publicURL,
	})
	return buf.String()
}
