package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kivohq/remindd/internal/reminder"
)

// Registry hands out the single Actor instance for each tenant. Tenant
// actors are logically permanent; the in-memory instances here are cheap
// (a mutex and two pointers) and the durable store is the source of truth,
// so there is no eviction.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry builds a Registry around the shared collaborators. Zero-value
// Deps fields get defaults: the real clock, default offsets, a one-minute
// retry interval.
func NewRegistry(deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Offsets == (reminder.Offsets{}) {
		deps.Offsets = reminder.DefaultOffsets()
	}
	if deps.RetryInterval <= 0 {
		deps.RetryInterval = time.Minute
	}
	return &Registry{
		deps:   deps,
		actors: make(map[string]*Actor),
	}
}

// Actor returns the actor owning tenantID, creating it on first use.
func (r *Registry) Actor(tenantID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[tenantID]
	if !ok {
		a = &Actor{tenantID: tenantID, deps: &r.deps}
		r.actors[tenantID] = a
	}
	return a
}

// Fire adapts the registry to the alarm's fire callback: it runs a process
// pass for the woken tenant.
func (r *Registry) Fire(ctx context.Context, tenantID string) error {
	res, err := r.Actor(tenantID).Process(ctx)
	if err != nil {
		return fmt.Errorf("process %s: %w", tenantID, err)
	}
	slog.Info("alarm processed tenant",
		"tenant", tenantID,
		"processed", res.Processed,
		"sent", res.Sent,
		"failed", res.Failed,
	)
	return nil
}

// ProcessAll runs a process pass for every tenant present in the durable
// store. This is the periodic safety-net sweep: it delivers due reminders
// even if the alarm goroutine is down or a slot was lost. Per-tenant errors
// are logged and do not stop the sweep.
func (r *Registry) ProcessAll(ctx context.Context) {
	// Collect IDs first: processing opens its own store transactions, and
	// nesting a write inside the iteration's read transaction would deadlock
	// the store.
	var tenants []string
	err := r.deps.Store.ForEachTenant(func(tenantID string) error {
		tenants = append(tenants, tenantID)
		return nil
	})
	if err != nil {
		slog.Warn("sweep aborted", "error", err)
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		res, perr := r.Actor(tenantID).Process(ctx)
		if perr != nil {
			slog.Warn("sweep: process failed", "tenant", tenantID, "error", perr)
			continue
		}
		if res.Processed > 0 {
			slog.Info("sweep processed tenant",
				"tenant", tenantID,
				"processed", res.Processed,
				"sent", res.Sent,
				"failed", res.Failed,
			)
		}
	}
}
