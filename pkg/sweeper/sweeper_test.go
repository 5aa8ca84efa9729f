package sweeper

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/veloraapp/payledger/pkg/payment"
)

const errorMismatchMessage = "expected %v, got %v"

var errStoreFailure = errors.New("store error")

// memIntents is an in-memory payment.Store. Only the sweeping surface does
// real work.
type memIntents struct {
	intents          map[string]payment.Intent
	listExpiredError error
	// staleList, when set, is returned by the next ListExpired call instead
	// of a live scan. Simulates a snapshot that aged between list and sweep.
	staleList []payment.Intent
}

func newMemIntents() *memIntents {
	return &memIntents{intents: make(map[string]payment.Intent)}
}

func (store *memIntents) InsertIntent(_ context.Context, intent payment.Intent) error {
	store.intents[intent.ID] = intent
	return nil
}

func (store *memIntents) GetIntent(_ context.Context, id string) (payment.Intent, error) {
	intent, ok := store.intents[id]
	if !ok {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return intent, nil
}

func (store *memIntents) GetByProviderIntentID(context.Context, payment.ProviderName, string) (payment.Intent, error) {
	return payment.Intent{}, payment.ErrIntentNotFound
}

func (store *memIntents) FindByIdempotencyKey(context.Context, string) (payment.Intent, bool, error) {
	return payment.Intent{}, false, nil
}

func (store *memIntents) UpdateIntentStatus(_ context.Context, intent payment.Intent, from payment.Status) error {
	current, ok := store.intents[intent.ID]
	if !ok || current.Status != from {
		return payment.ErrInvalidStateTransition
	}
	store.intents[intent.ID] = intent
	return nil
}

func (store *memIntents) SetCreditsAdded(context.Context, string, string) (bool, error) {
	return false, nil
}

func (store *memIntents) SetCreditsRefunded(context.Context, string, string) (bool, error) {
	return false, nil
}

func (store *memIntents) IncrementRetry(context.Context, string, string) error {
	return nil
}

func (store *memIntents) ListExpired(_ context.Context, nowUnixUTC int64, limit int) ([]payment.Intent, error) {
	if store.listExpiredError != nil {
		return nil, store.listExpiredError
	}
	if store.staleList != nil {
		stale := store.staleList
		store.staleList = nil
		return stale, nil
	}
	ids := make([]string, 0, len(store.intents))
	for id := range store.intents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	matched := make([]payment.Intent, 0, limit)
	for _, id := range ids {
		intent := store.intents[id]
		if intent.ExpiresAtUnixUTC > nowUnixUTC || intent.Terminal() || intent.Status == payment.StatusSucceeded {
			continue
		}
		matched = append(matched, intent)
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *memIntents) ListByStatus(context.Context, payment.Status, int, int) ([]payment.Intent, error) {
	return nil, nil
}

func (store *memIntents) ListByUserSince(context.Context, string, int64, int) ([]payment.Intent, error) {
	return nil, nil
}

// noopCredits satisfies the credits dependency of the payment service; the
// sweeper never grants credits.
type noopCredits struct{}

func (noopCredits) AddCredits(context.Context, string, int64, string, string, string) (string, error) {
	return "txn", nil
}

func (noopCredits) RefundCredits(context.Context, string, int64, string, string, string) (string, error) {
	return "txn", nil
}

// noopIdem satisfies the idempotency dependency; create paths are unused.
type noopIdem struct{}

func (noopIdem) CheckAndStore(context.Context, string, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (noopIdem) Invalidate(context.Context, string) error { return nil }

// countRecorder captures the last recorded sweep size.
type countRecorder struct {
	recorded []int
}

func (recorder *countRecorder) RecordExpired(count int) {
	recorder.recorded = append(recorder.recorded, count)
}

const nowUnix = int64(1700000000)

type sweeperFixture struct {
	sweeper  *Sweeper
	store    *memIntents
	recorder *countRecorder
}

func newSweeperFixture(test *testing.T, options ...Option) sweeperFixture {
	test.Helper()
	store := newMemIntents()
	recorder := &countRecorder{}
	payments, err := payment.NewService(store, noopCredits{}, noopIdem{}, func() int64 { return nowUnix })
	if err != nil {
		test.Fatalf("new payment service: %v", err)
	}
	options = append(options, WithExpiredRecorder(recorder))
	instance, err := New(payments, store, func() int64 { return nowUnix }, options...)
	if err != nil {
		test.Fatalf("new sweeper: %v", err)
	}
	return sweeperFixture{sweeper: instance, store: store, recorder: recorder}
}

func (fixture sweeperFixture) seed(test *testing.T, id string, status payment.Status, expiresAt int64) {
	test.Helper()
	err := fixture.store.InsertIntent(context.Background(), payment.Intent{
		ID:               id,
		UserID:           "user-1",
		Provider:         payment.ProviderSimulated,
		Status:           status,
		ExpiresAtUnixUTC: expiresAt,
	})
	if err != nil {
		test.Fatalf("seed intent: %v", err)
	}
}

func TestExpireOldIntentsTerminatesOverdue(test *testing.T) {
	test.Parallel()
	fixture := newSweeperFixture(test)
	fixture.seed(test, "intent-overdue", payment.StatusPending, nowUnix-60)
	fixture.seed(test, "intent-fresh", payment.StatusPending, nowUnix+600)
	fixture.seed(test, "intent-done", payment.StatusSucceeded, nowUnix-60)

	expired, err := fixture.sweeper.ExpireOldIntents(context.Background(), 0)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		test.Fatalf(errorMismatchMessage, 1, expired)
	}
	swept := fixture.store.intents["intent-overdue"]
	if swept.Status != payment.StatusExpired {
		test.Fatalf(errorMismatchMessage, payment.StatusExpired, swept.Status)
	}
	if len(swept.StatusHistory) != 1 || swept.StatusHistory[0].Reason != expiryReason {
		test.Fatalf("missing expiry history: %+v", swept.StatusHistory)
	}
	if fixture.store.intents["intent-fresh"].Status != payment.StatusPending {
		test.Fatal("fresh intent must stay pending")
	}
	if fixture.store.intents["intent-done"].Status != payment.StatusSucceeded {
		test.Fatal("succeeded intent must never expire")
	}
	if len(fixture.recorder.recorded) != 1 || fixture.recorder.recorded[0] != 1 {
		test.Fatalf("unexpected recorder state: %v", fixture.recorder.recorded)
	}
}

func TestExpireOldIntentsSkipsConcurrentlyResolved(test *testing.T) {
	test.Parallel()
	fixture := newSweeperFixture(test)
	fixture.seed(test, "intent-1", payment.StatusPending, nowUnix-60)
	fixture.seed(test, "intent-2", payment.StatusPending, nowUnix-60)

	// A late webhook resolves intent-1 between the list and the transition.
	listed, err := fixture.store.ListExpired(context.Background(), nowUnix, 10)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(listed) != 2 {
		test.Fatalf(errorMismatchMessage, 2, len(listed))
	}
	fixture.store.staleList = listed
	resolved := fixture.store.intents["intent-1"]
	resolved.Status = payment.StatusSucceeded
	fixture.store.intents["intent-1"] = resolved

	expired, err := fixture.sweeper.ExpireOldIntents(context.Background(), 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		test.Fatalf(errorMismatchMessage, 1, expired)
	}
	if fixture.store.intents["intent-1"].Status != payment.StatusSucceeded {
		test.Fatal("resolved intent must not be expired")
	}
	if fixture.store.intents["intent-2"].Status != payment.StatusExpired {
		test.Fatal("overdue intent must be expired")
	}
}

func TestExpireOldIntentsHonorsBatchSize(test *testing.T) {
	test.Parallel()
	fixture := newSweeperFixture(test, WithBatchSize(2))
	for _, id := range []string{"intent-1", "intent-2", "intent-3"} {
		fixture.seed(test, id, payment.StatusPending, nowUnix-60)
	}

	expired, err := fixture.sweeper.ExpireOldIntents(context.Background(), 0)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if expired != 2 {
		test.Fatalf(errorMismatchMessage, 2, expired)
	}

	expired, err = fixture.sweeper.ExpireOldIntents(context.Background(), 0)
	if err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if expired != 1 {
		test.Fatalf(errorMismatchMessage, 1, expired)
	}
}

func TestExpireOldIntentsReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	fixture := newSweeperFixture(test)
	fixture.store.listExpiredError = errStoreFailure
	_, err := fixture.sweeper.ExpireOldIntents(context.Background(), 0)
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
}
