// Package ledger records which reminders have already been delivered.
//
// The ledger is the durability boundary for the "don't double-send"
// guarantee: a reminder is only ever considered delivered once its
// idempotency key has been durably recorded here. It is shared across all
// actor instances and is deliberately independent of the per-tenant state
// store: actor state may lag the ledger after a crash, which is why the
// actor consults the ledger and not just its local sent flags.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kivohq/remindd/internal/reminder"
)

// Entry describes one delivery to record. RecordID is the ULID of the
// dispatch attempt; Suppressed marks events that were consumed without a
// send because the invoice had reached a terminal state.
type Entry struct {
	TenantID   string
	InvoiceID  string
	Kind       reminder.Kind
	RecordID   string
	Suppressed bool
}

// Ledger answers "has this idempotency key already been delivered?" and
// durably records deliveries.
//
// Implementations must be safe for concurrent use by independent actors,
// and RecordSent must be idempotent: a duplicate write for the same key is
// a no-op, not an error, since retries or overlapping process runs may
// attempt it twice.
type Ledger interface {
	HasBeenSent(ctx context.Context, key string) (bool, error)
	RecordSent(ctx context.Context, key string, e Entry) error
}

// SQL is the SQLite-backed Ledger used in production. It lives in the
// shared application database so every remindd instance sees the same
// delivery history.
type SQL struct {
	db *sql.DB
}

// OpenDB opens the shared application database with the pragmas the rest of
// the stack expects: WAL journaling for concurrent readers and a busy
// timeout so competing writers back off instead of failing.
func OpenDB(path string, busyTimeoutMs int) (*sql.DB, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 2000
	}
	qs := url.Values{
		"_txlock": []string{"immediate"},
		"_pragma": []string{
			"journal_mode(WAL)",
			fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs),
		},
	}
	return sql.Open("sqlite", "file:"+path+"?"+qs.Encode())
}

// NewSQL wraps db as a Ledger, creating the reminder_sends table if needed.
func NewSQL(ctx context.Context, db *sql.DB) (*SQL, error) {
	_, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS reminder_sends (
			idempotency_key TEXT NOT NULL PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			invoice_id      TEXT NOT NULL,
			kind            TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			suppressed      INTEGER NOT NULL DEFAULT 0,
			sent_at         INTEGER NOT NULL
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_reminder_sends_invoice
			ON reminder_sends (tenant_id, invoice_id);
		`,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: ensure table: %w", err)
	}
	return &SQL{db: db}, nil
}

// HasBeenSent reports whether key has already been durably recorded.
func (l *SQL) HasBeenSent(ctx context.Context, key string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM reminder_sends WHERE idempotency_key = ?`, key,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("ledger: lookup %s: %w", key, err)
	}
	return true, nil
}

// RecordSent durably records a delivery for key. Recording the same key
// twice is a no-op: the first writer wins and the original record is kept.
func (l *SQL) RecordSent(ctx context.Context, key string, e Entry) error {
	suppressed := 0
	if e.Suppressed {
		suppressed = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO reminder_sends
			(idempotency_key, tenant_id, invoice_id, kind, record_id, suppressed, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, e.TenantID, e.InvoiceID, string(e.Kind), e.RecordID, suppressed,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", key, err)
	}
	return nil
}
