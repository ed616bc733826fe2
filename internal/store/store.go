// Package store persists per-tenant actor state.
//
// Every tenant's reminder state is one JSON document keyed by tenant ID in a
// single bbolt bucket. bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID writes, so the state is always consistent even after a crash
//   - Single file (state.db inside the data directory)
//   - Well-maintained (used by etcd in production)
//
// The store is the durable source of truth for actor state: actors follow a
// load-mutate-persist discipline per operation, so an instance evicted from
// memory loses nothing.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/kivohq/remindd/internal/reminder"
)

var bucketState = []byte("tenant_state")

// ErrClosed is returned when the store is used after Close.
var ErrClosed = errors.New("store: closed")

// Store is a bbolt-backed persistence layer for reminder.State documents.
// All methods are safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the state store at path.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Load retrieves the state for tenantID. A tenant that has never been
// persisted gets a fresh empty state: first contact with a tenant is always
// a schedule call, not an error.
func (s *Store) Load(tenantID string) (*reminder.State, error) {
	state := reminder.NewState()

	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketState).Get([]byte(tenantID))
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, state)
	})
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", tenantID, err)
	}

	if state.Invoices == nil {
		state.Invoices = make(map[string]*reminder.Schedule)
	}
	return state, nil
}

// Save upserts the state document for tenantID. The write is atomic: either
// the whole new state is durable or the prior document is untouched.
func (s *Store) Save(tenantID string, state *reminder.State) error {
	val, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state for %s: %w", tenantID, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(tenantID), val)
	})
	if err != nil {
		return fmt.Errorf("store: save %s: %w", tenantID, err)
	}
	return nil
}

// ForEachTenant calls fn for every tenant ID present in the store, in key
// order. Iteration stops if fn returns a non-nil error. Used by the sweep to
// process every tenant regardless of alarm state.
func (s *Store) ForEachTenant(fn func(tenantID string) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).ForEach(func(k, _ []byte) error {
			return fn(string(k))
		})
	})
}

// Close flushes all pending writes and releases the file handle.
func (s *Store) Close() error {
	return s.db.Close()
}
