package alarm

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketAlarms = []byte("alarms")

// FireFunc is invoked when a tenant's alarm comes due. It runs on the alarm
// goroutine and must not block for long. Returning an error leaves the
// persisted slot in place and re-arms in memory after retryInterval, so the
// wake-up is never silently lost.
type FireFunc func(ctx context.Context, tenantID string) error

// Service is the persistent alarm timer shared by all tenant actors.
//
// Usage:
//
//	a, _ := alarm.Open(path, time.Minute)
//	a.Start(ctx, func(ctx context.Context, tenant string) error {
//	    // run the actor's process pass
//	    return nil
//	})
//	defer a.Stop()
//
//	a.Set("tenant-1", time.Now().Add(time.Hour).UnixMilli())
//
// All methods are safe for concurrent use.
type Service struct {
	db            *bbolt.DB
	retryInterval time.Duration

	mu       sync.Mutex
	h        minHeap
	byTenant map[string]*slot // tenant → slot for O(1) replace/clear

	// notify is a buffered channel of capacity 1. Set() sends a signal
	// whenever a slot is armed that might be earlier than the current timer
	// deadline, prompting the goroutine to re-evaluate its sleep.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens (or creates) the alarm store at path and loads every persisted
// slot into the in-memory heap. Slots already in the past fire promptly once
// Start is called, so an alarm armed before a crash still fires after
// restart.
func Open(path string, retryInterval time.Duration) (*Service, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("alarm: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAlarms)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("alarm: init bucket: %w", err)
	}

	if retryInterval <= 0 {
		retryInterval = time.Minute
	}

	h := make(minHeap, 0, 64)
	heap.Init(&h)
	a := &Service{
		db:            db,
		retryInterval: retryInterval,
		h:             h,
		byTenant:      make(map[string]*slot),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	if err := a.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// restore loads persisted slots into the heap. Called only from Open.
func (a *Service) restore() error {
	return a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAlarms).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("alarm: corrupt slot for %q", k)
			}
			s := &slot{
				tenantID: string(k),
				at:       int64(binary.BigEndian.Uint64(v)),
			}
			heap.Push(&a.h, s)
			a.byTenant[s.tenantID] = s
			return nil
		})
	})
}

// Set arms (or re-arms) the single slot for tenantID at the given UTC
// millisecond. The slot is persisted before the in-memory heap is updated:
// a crash after Set still wakes the tenant after restart. A timestamp in the
// past fires promptly.
func (a *Service) Set(tenantID string, at int64) error {
	if err := a.put(tenantID, at); err != nil {
		return err
	}

	a.mu.Lock()
	if prev, ok := a.byTenant[tenantID]; ok {
		prev.cancelled = true
		if prev.heapIdx >= 0 {
			a.h.remove(prev.heapIdx)
		}
	}
	s := &slot{tenantID: tenantID, at: at}
	heap.Push(&a.h, s)
	a.byTenant[tenantID] = s
	a.mu.Unlock()

	// Signal the goroutine to re-evaluate. Non-blocking: if a signal is
	// already pending, the goroutine will wake soon anyway.
	select {
	case a.notify <- struct{}{}:
	default:
	}
	return nil
}

// Clear disarms the slot for tenantID. Clearing an unarmed tenant is a
// no-op.
func (a *Service) Clear(tenantID string) error {
	if err := a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAlarms).Delete([]byte(tenantID))
	}); err != nil {
		return fmt.Errorf("alarm: clear %s: %w", tenantID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.byTenant[tenantID]; ok {
		s.cancelled = true
		if s.heapIdx >= 0 {
			a.h.remove(s.heapIdx)
		}
		delete(a.byTenant, tenantID)
	}
	return nil
}

// Next returns the armed wake time for tenantID and whether a slot exists.
func (a *Service) Next(tenantID string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byTenant[tenantID]
	if !ok {
		return 0, false
	}
	return s.at, true
}

// Len returns the number of currently armed tenants.
func (a *Service) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byTenant)
}

// put persists the slot for tenantID.
func (a *Service) put(tenantID string, at int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at))
	if err := a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAlarms).Put([]byte(tenantID), buf[:])
	}); err != nil {
		return fmt.Errorf("alarm: persist slot for %s: %w", tenantID, err)
	}
	return nil
}

// Start launches the background fire goroutine. fire is called for each
// tenant whose wake time has arrived. Start must be called exactly once.
func (a *Service) Start(ctx context.Context, fire FireFunc) {
	a.wg.Add(1)
	go a.run(ctx, fire)
}

// Stop shuts down the background goroutine and waits for it to exit.
// Pending slots stay persisted and fire on the next Start.
func (a *Service) Stop() {
	select {
	case <-a.done:
		// already stopped
	default:
		close(a.done)
	}
	a.wg.Wait()
}

// Close stops the goroutine if needed and releases the file handle.
func (a *Service) Close() error {
	a.Stop()
	return a.db.Close()
}

// ─── fire goroutine ──────────────────────────────────────────────────────────

func (a *Service) run(ctx context.Context, fire FireFunc) {
	defer a.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		a.mu.Lock()
		next := a.peek()
		a.mu.Unlock()

		if next == nil {
			// Nothing armed. Wait for a new slot or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case <-a.notify:
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.at))
		if delay <= 0 {
			a.fireNext(ctx, fire)
			continue
		}

		// Sleep until the soonest slot is due, but stay responsive to
		// newly armed slots and shutdown.
		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-a.done:
			t.Stop()
			return
		case <-a.notify:
			// A new slot may be due sooner. Re-evaluate from the top.
			t.Stop()
			select {
			case <-t.C:
			default:
			}
			t = nil
		case <-t.C:
			t = nil
			a.fireNext(ctx, fire)
		}
	}
}

// fireNext pops the due root slot and invokes fire. The persisted slot is
// intentionally NOT deleted here: the actor's re-arm during processing
// replaces or clears it, so a crash mid-process re-fires after restart. If
// fire fails outright the slot is re-armed in memory after retryInterval so
// the wake-up is retried.
func (a *Service) fireNext(ctx context.Context, fire FireFunc) {
	a.mu.Lock()
	s := a.pop()
	a.mu.Unlock()
	if s == nil {
		return
	}

	if err := fire(ctx, s.tenantID); err != nil {
		slog.Error("alarm fire failed",
			"tenant", s.tenantID,
			"error", err,
		)
		a.mu.Lock()
		// Only re-arm if the actor didn't already arm a fresh slot.
		if _, ok := a.byTenant[s.tenantID]; !ok {
			retry := &slot{
				tenantID: s.tenantID,
				at:       time.Now().Add(a.retryInterval).UnixMilli(),
			}
			heap.Push(&a.h, retry)
			a.byTenant[s.tenantID] = retry
		}
		a.mu.Unlock()
	}
}

// peek returns the root slot without removing it, or nil if nothing is
// armed. MUST be called with a.mu held.
func (a *Service) peek() *slot {
	for a.h.Len() > 0 {
		root := a.h[0]
		if root.cancelled {
			// Drain lazily-cancelled slots from the root.
			heap.Pop(&a.h)
			continue
		}
		return root
	}
	return nil
}

// pop removes and returns the root slot, or nil if nothing is armed.
// The tenant's byTenant entry is removed so a re-arm during fire is
// distinguishable from no re-arm at all. MUST be called with a.mu held.
func (a *Service) pop() *slot {
	for a.h.Len() > 0 {
		s := heap.Pop(&a.h).(*slot)
		if s.cancelled {
			continue
		}
		if cur, ok := a.byTenant[s.tenantID]; ok && cur == s {
			delete(a.byTenant, s.tenantID)
		}
		return s
	}
	return nil
}
