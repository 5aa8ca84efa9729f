package payment

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

const (
	userIDValue          = "user-1"
	errorMismatchMessage = "expected %v, got %v"
)

var (
	errStoreFailure   = errors.New("store error")
	errLedgerFailure  = errors.New("ledger append failed")
	errIdemUnreliable = errors.New("idempotency backend unreachable")
)

// stubIntentStore is an in-memory Store with injectable failures.
type stubIntentStore struct {
	intents map[string]Intent

	insertIntentError     error
	updateError           error
	creditsAddedRaceLoser bool
	retryErrors           map[string]string
}

func newStubIntentStore() *stubIntentStore {
	return &stubIntentStore{
		intents:     make(map[string]Intent),
		retryErrors: make(map[string]string),
	}
}

func (store *stubIntentStore) InsertIntent(_ context.Context, intent Intent) error {
	if store.insertIntentError != nil {
		return store.insertIntentError
	}
	store.intents[intent.ID] = intent
	return nil
}

func (store *stubIntentStore) GetIntent(_ context.Context, id string) (Intent, error) {
	intent, ok := store.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return intent, nil
}

func (store *stubIntentStore) GetByProviderIntentID(_ context.Context, provider ProviderName, providerIntentID string) (Intent, error) {
	for _, intent := range store.intents {
		if intent.Provider == provider && intent.ProviderIntentID == providerIntentID {
			return intent, nil
		}
	}
	return Intent{}, ErrIntentNotFound
}

func (store *stubIntentStore) FindByIdempotencyKey(_ context.Context, key string) (Intent, bool, error) {
	for _, intent := range store.intents {
		if intent.IdempotencyKey == key {
			return intent, true, nil
		}
	}
	return Intent{}, false, nil
}

func (store *stubIntentStore) UpdateIntentStatus(_ context.Context, intent Intent, from Status) error {
	if store.updateError != nil {
		return store.updateError
	}
	current, ok := store.intents[intent.ID]
	if !ok || current.Status != from {
		return ErrInvalidStateTransition
	}
	store.intents[intent.ID] = intent
	return nil
}

func (store *stubIntentStore) SetCreditsAdded(_ context.Context, id string, transactionID string) (bool, error) {
	intent, ok := store.intents[id]
	if !ok {
		return false, ErrIntentNotFound
	}
	if store.creditsAddedRaceLoser || intent.CreditsAdded {
		return false, nil
	}
	intent.CreditsAdded = true
	intent.FulfillmentTxID = transactionID
	store.intents[id] = intent
	return true, nil
}

func (store *stubIntentStore) SetCreditsRefunded(_ context.Context, id string, transactionID string) (bool, error) {
	intent, ok := store.intents[id]
	if !ok {
		return false, ErrIntentNotFound
	}
	if intent.CreditsRefunded {
		return false, nil
	}
	intent.CreditsRefunded = true
	intent.RefundTxID = transactionID
	store.intents[id] = intent
	return true, nil
}

func (store *stubIntentStore) IncrementRetry(_ context.Context, id string, lastError string) error {
	intent, ok := store.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	intent.RetryCount++
	intent.LastError = lastError
	store.intents[id] = intent
	store.retryErrors[id] = lastError
	return nil
}

func (store *stubIntentStore) ListExpired(_ context.Context, nowUnixUTC int64, limit int) ([]Intent, error) {
	matched := make([]Intent, 0)
	for _, intent := range store.intents {
		if intent.ExpiresAtUnixUTC <= nowUnixUTC && !intent.Terminal() && intent.Status != StatusSucceeded {
			matched = append(matched, intent)
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubIntentStore) ListByStatus(_ context.Context, status Status, _, limit int) ([]Intent, error) {
	matched := make([]Intent, 0)
	for _, intent := range store.intents {
		if intent.Status == status {
			matched = append(matched, intent)
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubIntentStore) ListByUserSince(_ context.Context, userID string, sinceUnixUTC int64, limit int) ([]Intent, error) {
	matched := make([]Intent, 0)
	for _, intent := range store.intents {
		if intent.UserID == userID && intent.CreatedAtUnixUTC >= sinceUnixUTC {
			matched = append(matched, intent)
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

// stubCredits counts ledger writes and dedupes on the idempotency key the
// way the real ledger-backed implementation does.
type stubCredits struct {
	addCalls    int
	refundCalls int
	addError    error
	seenKeys    map[string]string
}

func newStubCredits() *stubCredits {
	return &stubCredits{seenKeys: make(map[string]string)}
}

func (credits *stubCredits) AddCredits(_ context.Context, _ string, _ int64, _, _, idempotencyKey string) (string, error) {
	if credits.addError != nil {
		return "", credits.addError
	}
	if transactionID, ok := credits.seenKeys[idempotencyKey]; ok {
		return transactionID, nil
	}
	credits.addCalls++
	transactionID := "txn-" + strconv.Itoa(credits.addCalls)
	credits.seenKeys[idempotencyKey] = transactionID
	return transactionID, nil
}

func (credits *stubCredits) RefundCredits(_ context.Context, _ string, _ int64, _, _, idempotencyKey string) (string, error) {
	if transactionID, ok := credits.seenKeys[idempotencyKey]; ok {
		return transactionID, nil
	}
	credits.refundCalls++
	transactionID := "refund-txn-" + strconv.Itoa(credits.refundCalls)
	credits.seenKeys[idempotencyKey] = transactionID
	return transactionID, nil
}

// stubIdemStore mirrors the in-process store, with injectable failure.
type stubIdemStore struct {
	records    map[string]string
	checkError error
}

func newStubIdemStore() *stubIdemStore {
	return &stubIdemStore{records: make(map[string]string)}
}

func (store *stubIdemStore) CheckAndStore(_ context.Context, key string, result string, _ time.Duration) (string, bool, error) {
	if store.checkError != nil {
		return "", false, store.checkError
	}
	if existing, ok := store.records[key]; ok {
		if existing == "" && result != "" {
			store.records[key] = result
			existing = result
		}
		return existing, true, nil
	}
	store.records[key] = result
	return "", false, nil
}

func (store *stubIdemStore) Invalidate(_ context.Context, key string) error {
	delete(store.records, key)
	return nil
}

// stubProvider accepts every intent and reports pending.
type stubProvider struct {
	name        ProviderName
	createCalls int
	createError error
	cancelCalls int
	cancelError error
}

func (provider *stubProvider) Name() ProviderName {
	return provider.name
}

func (provider *stubProvider) CreatePaymentIntent(_ context.Context, _ CreateParams, referenceID string) (ProviderIntent, error) {
	provider.createCalls++
	if provider.createError != nil {
		return ProviderIntent{}, provider.createError
	}
	return ProviderIntent{ProviderIntentID: "prov_" + referenceID, Status: StatusPending}, nil
}

func (provider *stubProvider) GetPaymentStatus(context.Context, string) (Status, error) {
	return StatusPending, nil
}

func (provider *stubProvider) CancelPaymentIntent(context.Context, string) error {
	provider.cancelCalls++
	return provider.cancelError
}

type serviceFixture struct {
	service  *Service
	store    *stubIntentStore
	credits  *stubCredits
	idem     *stubIdemStore
	provider *stubProvider
}

func newServiceFixture(test *testing.T) serviceFixture {
	test.Helper()
	fixture := serviceFixture{
		store:    newStubIntentStore(),
		credits:  newStubCredits(),
		idem:     newStubIdemStore(),
		provider: &stubProvider{name: ProviderSimulated},
	}
	service, err := NewService(
		fixture.store,
		fixture.credits,
		fixture.idem,
		func() int64 { return 1700000000 },
		WithProvider(fixture.provider),
	)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	fixture.service = service
	return fixture
}

func validCreateParams() CreateParams {
	return CreateParams{
		UserID:           userIDValue,
		AmountMinorUnits: 1999,
		Currency:         "USD",
		CreditsAmount:    200,
		Provider:         ProviderSimulated,
	}
}

func (fixture serviceFixture) mustCreate(test *testing.T) Intent {
	test.Helper()
	intent, err := fixture.service.Create(context.Background(), validCreateParams())
	if err != nil {
		test.Fatalf("create intent: %v", err)
	}
	return intent
}

func (fixture serviceFixture) mustSucceed(test *testing.T, id string) Intent {
	test.Helper()
	intent, err := fixture.service.MarkSucceeded(context.Background(), id, "provider confirmed")
	if err != nil {
		test.Fatalf("mark succeeded: %v", err)
	}
	return intent
}

func TestCreateSetsPendingAndExpiry(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	intent := fixture.mustCreate(test)
	if intent.Status != StatusPending {
		test.Fatalf(errorMismatchMessage, StatusPending, intent.Status)
	}
	if intent.ProviderIntentID != "prov_"+intent.ID {
		test.Fatalf(errorMismatchMessage, "prov_"+intent.ID, intent.ProviderIntentID)
	}
	wantExpiry := intent.CreatedAtUnixUTC + int64(defaultIntentWindow/time.Second)
	if intent.ExpiresAtUnixUTC != wantExpiry {
		test.Fatalf(errorMismatchMessage, wantExpiry, intent.ExpiresAtUnixUTC)
	}
}

func TestCreateDedupesIdenticalRequests(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	first := fixture.mustCreate(test)
	second := fixture.mustCreate(test)
	if second.ID != first.ID {
		test.Fatalf(errorMismatchMessage, first.ID, second.ID)
	}
	if fixture.provider.createCalls != 1 {
		test.Fatalf(errorMismatchMessage, 1, fixture.provider.createCalls)
	}
	if len(fixture.store.intents) != 1 {
		test.Fatalf(errorMismatchMessage, 1, len(fixture.store.intents))
	}
}

func TestCreateProceedsWhenIdempotencyStoreDegraded(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	fixture.idem.checkError = errIdemUnreliable
	intent := fixture.mustCreate(test)
	if intent.Status != StatusPending {
		test.Fatalf(errorMismatchMessage, StatusPending, intent.Status)
	}
	if fixture.provider.createCalls != 1 {
		test.Fatalf(errorMismatchMessage, 1, fixture.provider.createCalls)
	}
}

func TestCreateRecoversFromInsertRace(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	winner := fixture.mustCreate(test)
	// Empty the dedup cache so the next create reaches the insert, which
	// then collides with the winner's row.
	fixture.idem.records = make(map[string]string)
	fixture.store.insertIntentError = errStoreFailure
	intent, err := fixture.service.Create(context.Background(), validCreateParams())
	if err != nil {
		test.Fatalf("create after race: %v", err)
	}
	if intent.ID != winner.ID {
		test.Fatalf(errorMismatchMessage, winner.ID, intent.ID)
	}
}

func TestCreateRejectsInvalidParams(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		mutate  func(params *CreateParams)
		wantErr error
	}{
		{
			name:    "missing user",
			mutate:  func(params *CreateParams) { params.UserID = " " },
			wantErr: ErrInvalidCreateParams,
		},
		{
			name:    "zero amount",
			mutate:  func(params *CreateParams) { params.AmountMinorUnits = 0 },
			wantErr: ErrInvalidCreateParams,
		},
		{
			name:    "missing currency",
			mutate:  func(params *CreateParams) { params.Currency = "" },
			wantErr: ErrInvalidCreateParams,
		},
		{
			name:    "zero credits",
			mutate:  func(params *CreateParams) { params.CreditsAmount = 0 },
			wantErr: ErrInvalidCreateParams,
		},
		{
			name:    "unknown provider",
			mutate:  func(params *CreateParams) { params.Provider = "paypal" },
			wantErr: ErrInvalidProvider,
		},
		{
			name:    "unconfigured provider",
			mutate:  func(params *CreateParams) { params.Provider = ProviderStripe },
			wantErr: ErrProviderUnavailable,
		},
		{
			name:    "bad metadata",
			mutate:  func(params *CreateParams) { params.Metadata = Metadata{"color": "red"} },
			wantErr: ErrInvalidMetadata,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newServiceFixture(test)
			params := validCreateParams()
			testCase.mutate(&params)
			_, err := fixture.service.Create(context.Background(), params)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if fixture.provider.createCalls != 0 {
				test.Fatalf(errorMismatchMessage, 0, fixture.provider.createCalls)
			}
		})
	}
}

func TestMarkSucceededStampsCompletion(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	succeeded := fixture.mustSucceed(test, created.ID)
	if succeeded.Status != StatusSucceeded {
		test.Fatalf(errorMismatchMessage, StatusSucceeded, succeeded.Status)
	}
	if succeeded.CompletedAtUnixUTC == 0 {
		test.Fatal("completion timestamp not stamped")
	}
	if len(succeeded.StatusHistory) != 1 {
		test.Fatalf(errorMismatchMessage, 1, len(succeeded.StatusHistory))
	}
}

func TestMarkFailedRecordsReason(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	failed, err := fixture.service.MarkFailed(context.Background(), created.ID, "card declined")
	if err != nil {
		test.Fatalf("mark failed: %v", err)
	}
	if failed.LastError != "card declined" {
		test.Fatalf(errorMismatchMessage, "card declined", failed.LastError)
	}
}

func TestMarkRejectsTerminalIntents(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	if _, err := fixture.service.MarkCanceled(context.Background(), created.ID, "user aborted"); err != nil {
		test.Fatalf("mark canceled: %v", err)
	}
	_, err := fixture.service.MarkSucceeded(context.Background(), created.ID, "late webhook")
	if !errors.Is(err, ErrInvalidStateTransition) {
		test.Fatalf(errorMismatchMessage, ErrInvalidStateTransition, err)
	}
}

func TestCancelVoidsIntentAtProvider(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)

	canceled, err := fixture.service.Cancel(context.Background(), created.ID, "user aborted")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		test.Fatalf(errorMismatchMessage, StatusCanceled, canceled.Status)
	}
	if fixture.provider.cancelCalls != 1 {
		test.Fatalf(errorMismatchMessage, 1, fixture.provider.cancelCalls)
	}
}

func TestCancelToleratesProviderFailure(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	fixture.provider.cancelError = errStoreFailure
	created := fixture.mustCreate(test)

	canceled, err := fixture.service.Cancel(context.Background(), created.ID, "user aborted")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		test.Fatalf(errorMismatchMessage, StatusCanceled, canceled.Status)
	}
	stored, err := fixture.service.Get(context.Background(), created.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCanceled {
		test.Fatalf(errorMismatchMessage, StatusCanceled, stored.Status)
	}
}

func TestCancelRejectsTerminalIntents(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	fixture.mustSucceed(test, created.ID)

	_, err := fixture.service.Cancel(context.Background(), created.ID, "too late")
	if !errors.Is(err, ErrInvalidStateTransition) {
		test.Fatalf(errorMismatchMessage, ErrInvalidStateTransition, err)
	}
	if fixture.provider.cancelCalls != 0 {
		test.Fatalf(errorMismatchMessage, 0, fixture.provider.cancelCalls)
	}
}

func TestFulfillAddsCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	fixture.mustSucceed(test, created.ID)

	for attempt := 0; attempt < 3; attempt++ {
		fulfilled, err := fixture.service.Fulfill(context.Background(), created.ID)
		if err != nil {
			test.Fatalf("fulfill attempt %d: %v", attempt, err)
		}
		if !fulfilled {
			test.Fatalf("fulfill attempt %d reported not fulfilled", attempt)
		}
	}
	if fixture.credits.addCalls != 1 {
		test.Fatalf(errorMismatchMessage, 1, fixture.credits.addCalls)
	}
	intent, err := fixture.service.Get(context.Background(), created.ID)
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if !intent.CreditsAdded || intent.FulfillmentTxID == "" {
		test.Fatalf("fulfillment flags not set: %+v", intent)
	}
}

func TestFulfillRequiresSucceeded(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	_, err := fixture.service.Fulfill(context.Background(), created.ID)
	if !errors.Is(err, ErrInvalidStateTransition) {
		test.Fatalf(errorMismatchMessage, ErrInvalidStateTransition, err)
	}
	if fixture.credits.addCalls != 0 {
		test.Fatalf(errorMismatchMessage, 0, fixture.credits.addCalls)
	}
}

func TestFulfillFailureIncrementsRetryAndStaysRetryable(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	fixture.mustSucceed(test, created.ID)

	fixture.credits.addError = errLedgerFailure
	_, err := fixture.service.Fulfill(context.Background(), created.ID)
	if !errors.Is(err, ErrFulfillmentFailure) {
		test.Fatalf(errorMismatchMessage, ErrFulfillmentFailure, err)
	}
	intent, err := fixture.service.Get(context.Background(), created.ID)
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if intent.CreditsAdded {
		test.Fatal("failed fulfillment must leave creditsAdded unset")
	}
	if intent.RetryCount != 1 || intent.LastError != errLedgerFailure.Error() {
		test.Fatalf("retry bookkeeping missing: %+v", intent)
	}

	fixture.credits.addError = nil
	fulfilled, err := fixture.service.Fulfill(context.Background(), created.ID)
	if err != nil || !fulfilled {
		test.Fatalf("retry after transient failure: fulfilled=%v err=%v", fulfilled, err)
	}
}

func TestFulfillToleratesConcurrentWinner(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	fixture.mustSucceed(test, created.ID)

	// A concurrent fulfiller flips the flag between this call's status read
	// and its compare-and-swap.
	fixture.store.creditsAddedRaceLoser = true

	fulfilled, err := fixture.service.Fulfill(context.Background(), created.ID)
	if err != nil {
		test.Fatalf("fulfill: %v", err)
	}
	if !fulfilled {
		test.Fatal("concurrent winner must still report fulfilled")
	}
}

func TestRefundPreconditions(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		prepare func(test *testing.T, fixture serviceFixture, id string)
		wantErr error
	}{
		{
			name:    "credits never added",
			prepare: func(test *testing.T, fixture serviceFixture, id string) { fixture.mustSucceed(test, id) },
			wantErr: ErrRefundPrecondition,
		},
		{
			name: "already refunded",
			prepare: func(test *testing.T, fixture serviceFixture, id string) {
				fixture.mustSucceed(test, id)
				if _, err := fixture.service.Fulfill(context.Background(), id); err != nil {
					test.Fatalf("fulfill: %v", err)
				}
				if _, err := fixture.service.Refund(context.Background(), id, "first refund"); err != nil {
					test.Fatalf("first refund: %v", err)
				}
			},
			wantErr: ErrAlreadyRefunded,
		},
		{
			name: "not succeeded",
			prepare: func(test *testing.T, fixture serviceFixture, id string) {
				// Credits flagged but the intent never reached succeeded.
				if _, err := fixture.store.SetCreditsAdded(context.Background(), id, "txn-1"); err != nil {
					test.Fatalf("set credits added: %v", err)
				}
			},
			wantErr: ErrInvalidStateTransition,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newServiceFixture(test)
			created := fixture.mustCreate(test)
			testCase.prepare(test, fixture, created.ID)
			_, err := fixture.service.Refund(context.Background(), created.ID, "customer request")
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
}

func TestRefundReversesFulfilledIntent(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	fixture.mustSucceed(test, created.ID)
	if _, err := fixture.service.Fulfill(context.Background(), created.ID); err != nil {
		test.Fatalf("fulfill: %v", err)
	}

	refunded, err := fixture.service.Refund(context.Background(), created.ID, "customer request")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if !refunded {
		test.Fatal("refund reported not refunded")
	}
	if fixture.credits.refundCalls != 1 {
		test.Fatalf(errorMismatchMessage, 1, fixture.credits.refundCalls)
	}
	intent, err := fixture.service.Get(context.Background(), created.ID)
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if intent.Status != StatusRefunded || !intent.CreditsRefunded || intent.RefundTxID == "" {
		test.Fatalf("refund state incomplete: %+v", intent)
	}
}

func TestProviderStatusRequiresConfiguredProvider(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	created := fixture.mustCreate(test)
	intent := fixture.store.intents[created.ID]
	intent.Provider = ProviderStripe
	fixture.store.intents[created.ID] = intent

	_, err := fixture.service.ProviderStatus(context.Background(), created.ID)
	if !errors.Is(err, ErrProviderUnavailable) {
		test.Fatalf(errorMismatchMessage, ErrProviderUnavailable, err)
	}
}
