// Package reminder contains the core domain types for the reminder scheduler.
// It deliberately has zero imports of other remindd packages so that the
// storage layer, the actor and the transport can all import from it without
// creating import cycles.
package reminder

import (
	"fmt"
	"time"
)

// Kind is the category of a reminder relative to the invoice due date.
type Kind string

const (
	// KindBeforeDue is the advance notice sent a few days before the due date.
	KindBeforeDue Kind = "before_due"
	// KindOnDue is the notice sent on the due date itself.
	KindOnDue Kind = "on_due"
	// KindAfterDue is the overdue notice sent after the due date has passed.
	KindAfterDue Kind = "after_due"
)

// Kinds lists every reminder kind in schedule order.
var Kinds = [3]Kind{KindBeforeDue, KindOnDue, KindAfterDue}

// Valid reports whether k is a known reminder kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBeforeDue, KindOnDue, KindAfterDue:
		return true
	}
	return false
}

// Offsets controls how far from the due date each reminder kind fires.
// The values are configuration, not business law: tenants of the hosting
// application may eventually want different windows.
type Offsets struct {
	// BeforeDue is how long before the due date the advance notice fires.
	BeforeDue time.Duration
	// AfterDue is how long after the due date the overdue notice fires.
	AfterDue time.Duration
}

// DefaultOffsets mirrors the application defaults: 3 days before, 7 days after.
func DefaultOffsets() Offsets {
	return Offsets{
		BeforeDue: 3 * 24 * time.Hour,
		AfterDue:  7 * 24 * time.Hour,
	}
}

// Job is one scheduled dispatch event for an invoice.
//
// All timestamps are UTC milliseconds since Unix epoch.
type Job struct {
	InvoiceID string `json:"invoice_id"`
	Kind      Kind   `json:"kind"`

	// ScheduledAt is the earliest UTC millisecond at which the job becomes
	// eligible for dispatch.
	ScheduledAt int64 `json:"scheduled_at"`

	// IdempotencyKey is derived deterministically from (invoice, kind, due
	// date). It is stable across re-scheduling of the same invoice/due-date
	// pair, so redundant schedule calls never create a second deliverable
	// event.
	IdempotencyKey string `json:"idempotency_key"`

	// Sent is a local cache of ledger truth. It may lag the ledger after a
	// crash, which is why Process consults the ledger and not just this flag.
	Sent bool `json:"sent"`
}

// Due reports whether the job is eligible for dispatch at nowMs.
func (j *Job) Due(nowMs int64) bool {
	return !j.Sent && j.ScheduledAt <= nowMs
}

// Schedule is the reminder set tracked for one invoice.
//
// Invariant: at most one job per kind. Re-scheduling the same invoice
// replaces the prior job set wholesale.
type Schedule struct {
	InvoiceID string `json:"invoice_id"`
	DueDate   int64  `json:"due_date"`
	Jobs      []Job  `json:"jobs"`

	// Cancelled is terminal: once set, Process skips every job of this
	// invoice permanently, even ones already past due.
	Cancelled bool `json:"cancelled"`
}

// State is the full actor state for one tenant: every tracked invoice and
// its reminder jobs. It is created empty on the first schedule call and is
// mutated only by the owning actor.
type State struct {
	Invoices map[string]*Schedule `json:"invoices"`
}

// NewState returns an empty State ready for use.
func NewState() *State {
	return &State{Invoices: make(map[string]*Schedule)}
}

// NextWake returns the minimum ScheduledAt over all unsent jobs of
// non-cancelled invoices, and whether any such job exists. This is the
// single source of truth for what the alarm should be armed to.
func (s *State) NextWake() (int64, bool) {
	var (
		next  int64
		found bool
	)
	for _, sched := range s.Invoices {
		if sched.Cancelled {
			continue
		}
		for i := range sched.Jobs {
			j := &sched.Jobs[i]
			if j.Sent {
				continue
			}
			if !found || j.ScheduledAt < next {
				next = j.ScheduledAt
				found = true
			}
		}
	}
	return next, found
}

// IdempotencyKey derives the deterministic key for one logical reminder
// event. The key is a pure function of business identifiers so that tests
// (and external tooling) can compute expected keys without invoking the
// scheduler. The due date is rendered in UTC RFC 3339 so the same instant
// always produces the same key regardless of the caller's zone.
func IdempotencyKey(invoiceID string, kind Kind, dueDateMs int64) string {
	due := time.UnixMilli(dueDateMs).UTC().Format(time.RFC3339)
	return fmt.Sprintf("%s:%s:%s", invoiceID, kind, due)
}

// BuildJobs computes the job set for an invoice scheduled at nowMs with the
// given due date.
//
// The before-due and on-due jobs are included only when their fire time is
// strictly in the future; the after-due job is always included, even when
// already past, so an overdue invoice still gets its overdue notice the next
// time the actor wakes.
func BuildJobs(invoiceID string, dueDateMs, nowMs int64, off Offsets) []Job {
	jobs := make([]Job, 0, len(Kinds))

	add := func(kind Kind, at int64) {
		jobs = append(jobs, Job{
			InvoiceID:      invoiceID,
			Kind:           kind,
			ScheduledAt:    at,
			IdempotencyKey: IdempotencyKey(invoiceID, kind, dueDateMs),
		})
	}

	if at := dueDateMs - off.BeforeDue.Milliseconds(); at > nowMs {
		add(KindBeforeDue, at)
	}
	if dueDateMs > nowMs {
		add(KindOnDue, dueDateMs)
	}
	add(KindAfterDue, dueDateMs+off.AfterDue.Milliseconds())

	return jobs
}
