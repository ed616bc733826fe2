// Package events is a small in-process pub/sub feed of dispatch activity.
// The websocket transport subscribes to it to stream live dispatch events to
// connected dashboards; the actor publishes to it after each job outcome.
package events

import (
	"sync"

	"github.com/kivohq/remindd/internal/reminder"
)

// Dispatch is one dispatch outcome published by the actor.
type Dispatch struct {
	TenantID       string        `json:"tenant_id"`
	InvoiceID      string        `json:"invoice_id"`
	Kind           reminder.Kind `json:"kind"`
	IdempotencyKey string        `json:"idempotency_key"`
	// Outcome is "delivered", "suppressed", "ledger_hit" or "failed".
	Outcome string `json:"outcome"`
	At      int64  `json:"at"` // UTC milliseconds
}

// subBuffer is the per-subscriber channel depth. A subscriber that falls
// more than this far behind starts losing events rather than blocking the
// actor.
const subBuffer = 64

// Feed fans dispatch events out to any number of subscribers.
// All methods are safe for concurrent use. A nil *Feed is valid and drops
// everything, so callers don't need to nil-check before publishing.
type Feed struct {
	mu   sync.Mutex
	subs map[chan Dispatch]struct{}
}

// NewFeed returns an empty Feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Dispatch]struct{})}
}

// Publish delivers ev to every subscriber. Never blocks: slow subscribers
// miss events instead of stalling reminder processing.
func (f *Feed) Publish(ev Dispatch) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function that must be called to release it.
func (f *Feed) Subscribe() (<-chan Dispatch, func()) {
	ch := make(chan Dispatch, subBuffer)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
	return ch, cancel
}
