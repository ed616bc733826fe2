// Package invoice provides the read model for the invoices being reminded
// about. The scheduler does not own invoice data: it fetches the current
// state fresh from the shared application database at dispatch time, because
// a reminder job may fire long after it was scheduled and the invoice may
// have been settled or voided in the meantime.
package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the invoice does not exist (or no longer
// exists) in the application database.
var ErrNotFound = errors.New("invoice: not found")

// Status is the invoice lifecycle state as stored by the application.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusVoid    Status = "void"
	StatusOverdue Status = "overdue"
	StatusSent    Status = "sent"
	StatusViewed  Status = "viewed"
)

// Terminal reports whether the invoice has reached a state in which
// reminders must no longer be sent.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusVoid
}

// Invoice is the flattened read model used to render one reminder email.
type Invoice struct {
	ID          string
	Number      string
	Status      Status
	DueDate     int64 // UTC milliseconds
	Currency    string
	Total       string // decimal string, money is never a float
	ClientName  string
	ClientEmail string

	// PublicToken grants unauthenticated read access to the invoice page
	// linked from the email. Empty when no token has been issued.
	PublicToken string

	// BusinessName is the sender's configured business name, used in the
	// From header and the email heading. Empty when not configured.
	BusinessName string

	// RemindersEnabled is the per-invoice opt-out flag.
	RemindersEnabled bool
}

// Source provides current invoice state for a tenant. Implementations must
// return ErrNotFound (possibly wrapped) for unknown invoices.
type Source interface {
	Get(ctx context.Context, tenantID, invoiceID string) (*Invoice, error)
}

// SQLSource reads invoices from the shared application database.
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource wraps db as a Source. The schema is owned by the application;
// this package only reads from it.
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

// Get fetches the invoice, its client contact, the public link token and the
// tenant's business settings in one query. The tenant ID is matched against
// the invoice's owning user so one tenant can never read another's invoices.
func (s *SQLSource) Get(ctx context.Context, tenantID, invoiceID string) (*Invoice, error) {
	const q = `
		SELECT
			i.id,
			i.invoice_number,
			i.status,
			CAST(strftime('%s', i.due_date) AS INTEGER) * 1000,
			i.currency,
			i.total,
			c.name,
			c.email,
			COALESCE(t.token, ''),
			COALESCE(st.business_name, ''),
			COALESCE(i.reminders_enabled, 1)
		FROM invoices i
		JOIN clients c ON c.id = i.client_id
		LEFT JOIN invoice_public_tokens t ON t.invoice_id = i.id
		LEFT JOIN settings st ON st.user_id = i.user_id
		WHERE i.id = ? AND i.user_id = ?`

	var (
		inv    Invoice
		status string
	)
	err := s.db.QueryRowContext(ctx, q, invoiceID, tenantID).Scan(
		&inv.ID,
		&inv.Number,
		&status,
		&inv.DueDate,
		&inv.Currency,
		&inv.Total,
		&inv.ClientName,
		&inv.ClientEmail,
		&inv.PublicToken,
		&inv.BusinessName,
		&inv.RemindersEnabled,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, invoiceID)
	case err != nil:
		return nil, fmt.Errorf("invoice: get %s: %w", invoiceID, err)
	}

	inv.Status = Status(status)
	return &inv, nil
}
