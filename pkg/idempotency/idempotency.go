// Package idempotency defines the duplicate-suppression contracts shared by
// payment-intent creation and webhook processing, plus deterministic key
// derivation. Backends are chosen by configuration: a distributed Redis
// implementation for multi-instance deployments, and an explicit in-process
// implementation for single-instance ones.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
)

// Default retention windows. Webhook events keep their dedup marker far
// longer than intents because provider retry backoff can stretch over days.
const (
	TTLPaymentIntent  = 24 * time.Hour
	TTLWebhookEvent   = 7 * 24 * time.Hour
	TTLProcessingLock = 5 * time.Minute
)

// ErrStoreUnavailable signals the backing store could not be reached.
// Callers fail open on it: a dropped legitimate payment is worse than a
// bounded double-submission window, which the intent's creditsAdded flag
// guards independently.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Store records operation results keyed by idempotency key. Within its TTL
// a stored non-empty result is never overwritten.
type Store interface {
	// CheckAndStore stores result under key when the key is fresh and
	// reports existed=false. When the key already exists it reports
	// existed=true with the cached value, upgrading an empty marker to
	// result first. An empty result reserves the key without recording an
	// outcome: callers that see existed=true with an empty cached value
	// must treat the operation as unfinished, not as done.
	CheckAndStore(ctx context.Context, key string, result string, ttl time.Duration) (cached string, existed bool, err error)
	// Invalidate removes a key. Administrative escape hatch only.
	Invalidate(ctx context.Context, key string) error
}

// Locker provides short-TTL mutual exclusion keyed by operation, used to
// keep two concurrently-delivered copies of one webhook event from both
// proceeding. Locks are always released by the holder, error paths included.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

const keyFieldDelimiter = "\x00"

// GenerateKey derives a deterministic key from a scope and its parameters.
// Parameter order never affects the result: identical logical requests
// collide to the same key.
func GenerateKey(scope string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var builder strings.Builder
	builder.WriteString(scope)
	for _, name := range names {
		builder.WriteString(keyFieldDelimiter)
		builder.WriteString(name)
		builder.WriteString("=")
		builder.WriteString(params[name])
	}
	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}
