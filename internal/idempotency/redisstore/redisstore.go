// Package redisstore backs the idempotency contracts with Redis for
// multi-instance deployments.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veloraapp/payledger/pkg/idempotency"
)

//go:embed release.lua
var releaseLuaScript string

const (
	keyPrefix  = "payledger:idem:"
	lockPrefix = "payledger:lock:"

	// Placeholder stored when the caller has no result yet but wants the
	// key marked as seen.
	seenMarker = "1"
)

// Store implements idempotency.Store on Redis SET NX.
type Store struct {
	client *redis.Client
}

// NewStore returns a Store backed by the given client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (store *Store) CheckAndStore(ctx context.Context, key string, result string, ttl time.Duration) (string, bool, error) {
	namespaced := keyPrefix + key
	value := result
	if value == "" {
		value = seenMarker
	}
	created, err := store.client.SetNX(ctx, namespaced, value, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", idempotency.ErrStoreUnavailable, err)
	}
	if created {
		return "", false, nil
	}
	cached, err := store.client.Get(ctx, namespaced).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SetNX and Get; treat as fresh.
		return "", false, nil
	}
	if err != nil {
		return "", true, fmt.Errorf("%w: %v", idempotency.ErrStoreUnavailable, err)
	}
	if cached == seenMarker {
		cached = ""
	}
	// Upgrade a seen-marker to a real result once the caller has one.
	if cached == "" && result != "" {
		if err := store.client.Set(ctx, namespaced, result, ttl).Err(); err != nil {
			return "", true, fmt.Errorf("%w: %v", idempotency.ErrStoreUnavailable, err)
		}
	}
	return cached, true, nil
}

func (store *Store) Invalidate(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", idempotency.ErrStoreUnavailable, err)
	}
	return nil
}

// Locker implements idempotency.Locker with SET NX PX plus a holder token,
// released by a compare-and-delete script so an expired lock taken over by
// another holder is never deleted out from under them.
type Locker struct {
	client  *redis.Client
	release *redis.Script

	mu     sync.Mutex
	tokens map[string]string
}

// NewLocker returns a Locker backed by the given client.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseLuaScript),
		tokens:  make(map[string]string),
	}
}

func (locker *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	acquired, err := locker.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", idempotency.ErrStoreUnavailable, err)
	}
	if !acquired {
		return false, nil
	}
	locker.mu.Lock()
	locker.tokens[key] = token
	locker.mu.Unlock()
	return true, nil
}

func (locker *Locker) Release(ctx context.Context, key string) error {
	locker.mu.Lock()
	token, held := locker.tokens[key]
	delete(locker.tokens, key)
	locker.mu.Unlock()
	if !held {
		return nil
	}
	err := locker.release.Run(ctx, locker.client, []string{lockPrefix + key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", idempotency.ErrStoreUnavailable, err)
	}
	return nil
}
