// Package memstore backs the idempotency contracts in process for
// single-instance deployments and tests.
package memstore

import (
	"context"
	"sync"
	"time"
)

type record struct {
	result    string
	expiresAt time.Time
}

// Store implements idempotency.Store with a mutex-guarded map. Expired
// records are dropped lazily on access.
type Store struct {
	mu      sync.Mutex
	records map[string]record
	nowFn   func() time.Time
}

// NewStore returns an empty in-process store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]record),
		nowFn:   time.Now,
	}
}

// NewStoreWithClock returns a store using the given clock. Test hook.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		records: make(map[string]record),
		nowFn:   now,
	}
}

func (store *Store) CheckAndStore(_ context.Context, key string, result string, ttl time.Duration) (string, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.nowFn()
	existing, ok := store.records[key]
	if ok && existing.expiresAt.After(now) {
		if existing.result == "" && result != "" {
			existing.result = result
			store.records[key] = existing
		}
		return existing.result, true, nil
	}
	store.records[key] = record{result: result, expiresAt: now.Add(ttl)}
	return "", false, nil
}

func (store *Store) Invalidate(_ context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.records, key)
	return nil
}

// Locker implements idempotency.Locker in process.
type Locker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

// NewLocker returns an empty in-process locker.
func NewLocker() *Locker {
	return &Locker{
		held:  make(map[string]time.Time),
		nowFn: time.Now,
	}
}

func (locker *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	now := locker.nowFn()
	if expiresAt, ok := locker.held[key]; ok && expiresAt.After(now) {
		return false, nil
	}
	locker.held[key] = now.Add(ttl)
	return true, nil
}

func (locker *Locker) Release(_ context.Context, key string) error {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	delete(locker.held, key)
	return nil
}
