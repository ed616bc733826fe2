// Package actor implements the per-tenant reminder scheduler.
//
// Each tenant has one logical actor that exclusively owns that tenant's
// reminder state. Operations on the same actor are serialized by a per-actor
// mutex; state follows a load-mutate-persist discipline per operation, so
// the durable store is always the source of truth and an actor evicted from
// memory loses nothing.
//
// Processing is idempotent by construction: the idempotency ledger is the
// durability boundary for "don't double-send", the local sent flags are only
// a cache of ledger truth, and a wake-up that arrives twice (alarm re-fire,
// sweep overlap, crash recovery) dispatches nothing a second time.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"

	"github.com/kivohq/remindd/internal/dispatch"
	"github.com/kivohq/remindd/internal/events"
	"github.com/kivohq/remindd/internal/invoice"
	"github.com/kivohq/remindd/internal/ledger"
	"github.com/kivohq/remindd/internal/metrics"
	"github.com/kivohq/remindd/internal/reminder"
	"github.com/kivohq/remindd/internal/store"
)

// ErrInvalidArgument is returned for malformed schedule/cancel input.
// No state is mutated when it is returned.
var ErrInvalidArgument = errors.New("actor: invalid argument")

// Alarm is the single-slot wake-up timer consumed by actors. Implemented by
// alarm.Service in production.
type Alarm interface {
	Set(tenantID string, at int64) error
	Clear(tenantID string) error
}

// Deps bundles the collaborators shared by every tenant actor.
type Deps struct {
	Store      *store.Store
	Ledger     ledger.Ledger
	Source     invoice.Source
	Dispatcher dispatch.Dispatcher
	Alarm      Alarm

	// Clock is injectable for tests; nil means the real clock.
	Clock clock.Clock

	Offsets reminder.Offsets

	// RetryInterval is the rearm delay used when the next pending job is
	// already past due. Keeps retries prompt without a hot wake loop.
	RetryInterval time.Duration

	// Metrics and Feed are optional; nil disables them.
	Metrics *metrics.Metrics
	Feed    *events.Feed
}

// Actor is the serialized scheduling unit for one tenant.
type Actor struct {
	tenantID string
	deps     *Deps

	// mu serializes Schedule, Cancel, Process and Status for this tenant.
	// There is no finer-grained locking: the whole point of the actor model
	// here is that per-tenant operations never interleave.
	mu sync.Mutex
}

// ProcessResult summarizes one process pass for observability.
type ProcessResult struct {
	// Processed counts jobs that were due and examined. Jobs of cancelled
	// invoices are filtered out before counting.
	Processed int `json:"processed"`
	// Sent counts jobs that resulted in a delivered notification.
	Sent int `json:"sent"`
	// Failed counts jobs left pending after a transient failure; they are
	// retried on the next wake-up.
	Failed int `json:"failed"`
}

func (a *Actor) now() int64 {
	return a.deps.Clock.Now().UnixMilli()
}

// Schedule computes and persists the reminder set for an invoice, replacing
// any prior set for the same invoice, then re-arms the alarm. It returns the
// number of jobs scheduled.
//
// Re-scheduling the same invoice and due date yields byte-identical
// idempotency keys, so redundant schedule calls never create a second
// deliverable event.
func (a *Actor) Schedule(ctx context.Context, invoiceID string, dueDate int64) (int, error) {
	if invoiceID == "" {
		return 0, fmt.Errorf("%w: invoice id must not be empty", ErrInvalidArgument)
	}
	if dueDate <= 0 {
		return 0, fmt.Errorf("%w: due date must be a positive timestamp", ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.deps.Store.Load(a.tenantID)
	if err != nil {
		return 0, err
	}

	now := a.now()
	jobs := reminder.BuildJobs(invoiceID, dueDate, now, a.deps.Offsets)

	state.Invoices[invoiceID] = &reminder.Schedule{
		InvoiceID: invoiceID,
		DueDate:   dueDate,
		Jobs:      jobs,
		Cancelled: false,
	}

	if err := a.deps.Store.Save(a.tenantID, state); err != nil {
		// The alarm must not be re-armed on top of an unpersisted change.
		return 0, err
	}

	if m := a.deps.Metrics; m != nil {
		for _, j := range jobs {
			m.JobsScheduled.WithLabelValues(a.tenantID, string(j.Kind)).Inc()
		}
	}

	a.rearm(state, now)
	return len(jobs), nil
}

// Cancel marks an invoice's reminder set as cancelled. Cancellation is
// permanent and retroactive: every job of the invoice is skipped by all
// future process passes, including jobs already past due. Cancelling twice,
// or cancelling an unknown invoice, is a no-op success; cancellation racing
// with completion is expected.
func (a *Actor) Cancel(ctx context.Context, invoiceID string) error {
	if invoiceID == "" {
		return fmt.Errorf("%w: invoice id must not be empty", ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.deps.Store.Load(a.tenantID)
	if err != nil {
		return err
	}

	sched, ok := state.Invoices[invoiceID]
	if !ok || sched.Cancelled {
		return nil
	}
	sched.Cancelled = true

	if err := a.deps.Store.Save(a.tenantID, state); err != nil {
		return err
	}

	a.rearm(state, a.now())
	return nil
}

// Process dispatches every due job: a job is due when its invoice is not
// cancelled, it has not been sent, and its scheduled time has arrived.
//
// The pass is safe to invoke redundantly (spurious alarm fires, the periodic
// sweep, manual triggers): the ledger is consulted before every dispatch, so
// a job delivered by a previous pass that crashed before persisting local
// state is recognized and consumed without a second send.
//
// Job failures are independent: a transient ledger, data-source or transport
// failure leaves that one job pending and processing continues. State is
// persisted once after the loop, and the alarm is re-armed even when some
// jobs failed, so pending work is always retried.
func (a *Actor) Process(ctx context.Context) (ProcessResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.deps.Store.Load(a.tenantID)
	if err != nil {
		return ProcessResult{}, err
	}

	now := a.now()
	var res ProcessResult

	for _, sched := range state.Invoices {
		if sched.Cancelled {
			continue
		}
		for i := range sched.Jobs {
			job := &sched.Jobs[i]
			if !job.Due(now) {
				continue
			}
			res.Processed++
			a.processJob(ctx, job, &res, now)
		}
	}

	if err := a.deps.Store.Save(a.tenantID, state); err != nil {
		// Local sent flags are lost, but every delivery already sits in the
		// ledger, so the next pass recognizes them without re-sending.
		return res, err
	}

	if m := a.deps.Metrics; m != nil {
		m.JobsProcessed.WithLabelValues(a.tenantID).Add(float64(res.Processed))
		m.JobsFailed.WithLabelValues(a.tenantID).Add(float64(res.Failed))
	}

	a.rearm(state, now)
	return res, nil
}

// processJob runs the ledger-check/dispatch/record sequence for one due job
// and updates counters. The job is marked sent only after its idempotency
// key is durably in the ledger.
func (a *Actor) processJob(ctx context.Context, job *reminder.Job, res *ProcessResult, now int64) {
	sent, err := a.deps.Ledger.HasBeenSent(ctx, job.IdempotencyKey)
	if err != nil {
		res.Failed++
		slog.Warn("ledger lookup failed, leaving job pending",
			"tenant", a.tenantID,
			"invoice", job.InvoiceID,
			"kind", job.Kind,
			"error", err,
		)
		return
	}
	if sent {
		// A previous pass delivered this job but crashed before persisting
		// local state. Consume it without calling the dispatcher.
		job.Sent = true
		a.publish(job, "ledger_hit", now)
		return
	}

	// Fetch the invoice fresh: the job may fire long after scheduling and
	// the invoice may have been settled, voided or deleted since.
	inv, err := a.deps.Source.Get(ctx, a.tenantID, job.InvoiceID)
	if errors.Is(err, invoice.ErrNotFound) {
		a.consume(ctx, job, res, ledger.Entry{Suppressed: true}, "suppressed", now)
		return
	}
	if err != nil {
		res.Failed++
		slog.Warn("invoice lookup failed, leaving job pending",
			"tenant", a.tenantID,
			"invoice", job.InvoiceID,
			"kind", job.Kind,
			"error", err,
		)
		return
	}

	outcome, err := a.deps.Dispatcher.Send(ctx, inv, job.Kind)
	if err != nil {
		res.Failed++
		a.publish(job, "failed", now)
		slog.Warn("dispatch failed, leaving job pending",
			"tenant", a.tenantID,
			"invoice", job.InvoiceID,
			"kind", job.Kind,
			"error", err,
		)
		return
	}

	switch outcome {
	case dispatch.OutcomeDelivered:
		if a.consume(ctx, job, res, ledger.Entry{}, "delivered", now) {
			res.Sent++
			if m := a.deps.Metrics; m != nil {
				m.JobsSent.WithLabelValues(a.tenantID, string(job.Kind)).Inc()
			}
		}
	case dispatch.OutcomeSuppressed:
		a.consume(ctx, job, res, ledger.Entry{Suppressed: true}, "suppressed", now)
	}
}

// consume records the job's key in the ledger and marks it sent locally.
// The ledger write happens first: if it fails the job stays pending, because
// marking a job sent without a confirmed ledger record would silently drop
// the don't-duplicate guarantee for every other actor instance.
func (a *Actor) consume(ctx context.Context, job *reminder.Job, res *ProcessResult, entry ledger.Entry, outcome string, now int64) bool {
	entry.TenantID = a.tenantID
	entry.InvoiceID = job.InvoiceID
	entry.Kind = job.Kind
	entry.RecordID = ulid.Make().String()

	if err := a.deps.Ledger.RecordSent(ctx, job.IdempotencyKey, entry); err != nil {
		res.Failed++
		slog.Warn("ledger record failed, leaving job pending",
			"tenant", a.tenantID,
			"invoice", job.InvoiceID,
			"kind", job.Kind,
			"error", err,
		)
		return false
	}

	job.Sent = true
	a.publish(job, outcome, now)
	if outcome == "suppressed" {
		if m := a.deps.Metrics; m != nil {
			m.JobsSuppressed.WithLabelValues(a.tenantID, string(job.Kind)).Inc()
		}
	}
	return true
}

// publish emits a dispatch event to the live feed.
func (a *Actor) publish(job *reminder.Job, outcome string, now int64) {
	a.deps.Feed.Publish(events.Dispatch{
		TenantID:       a.tenantID,
		InvoiceID:      job.InvoiceID,
		Kind:           job.Kind,
		IdempotencyKey: job.IdempotencyKey,
		Outcome:        outcome,
		At:             now,
	})
}

// Status returns the full tracked state for this tenant.
func (a *Actor) Status(ctx context.Context) (*reminder.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deps.Store.Load(a.tenantID)
}

// InvoiceStatus returns the tracked schedule for one invoice, or nil when
// the invoice is not tracked.
func (a *Actor) InvoiceStatus(ctx context.Context, invoiceID string) (*reminder.Schedule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.deps.Store.Load(a.tenantID)
	if err != nil {
		return nil, err
	}
	return state.Invoices[invoiceID], nil
}

// rearm points the tenant's alarm at the minimum pending wake time: the
// earliest unsent, non-cancelled job across all tracked invoices. With no
// pending jobs the slot is cleared. A target already in the past (failed
// dispatches, overdue notices scheduled late) is armed at now plus the retry
// interval so it is retried promptly without a hot fire loop.
//
// rearm runs only after the state write is durable. Alarm arming failures
// are logged, not surfaced: the periodic sweep is the safety net for a lost
// wake-up, and the caller's operation has already succeeded.
func (a *Actor) rearm(state *reminder.State, now int64) {
	next, ok := state.NextWake()
	if !ok {
		if err := a.deps.Alarm.Clear(a.tenantID); err != nil {
			slog.Error("alarm clear failed", "tenant", a.tenantID, "error", err)
		}
		return
	}
	if next <= now {
		next = now + a.deps.RetryInterval.Milliseconds()
	}
	if err := a.deps.Alarm.Set(a.tenantID, next); err != nil {
		slog.Error("alarm set failed", "tenant", a.tenantID, "error", err)
	}
}
