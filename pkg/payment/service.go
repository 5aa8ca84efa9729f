package payment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/idempotency"
)

const (
	scopeCreateIntent = "payment_intent.create"

	fulfillIdempotencyPrefix = "fulfill:"
	refundIdempotencyPrefix  = "refund:"

	fulfillDescription = "payment fulfillment"

	defaultIntentWindow = 30 * time.Minute
)

// Service drives payment intents through their lifecycle. All status changes
// go through the transition table; fulfillment and refunds write credits
// through the CreditsService, whose ledger append is the idempotency
// boundary for retries.
type Service struct {
	store        Store
	credits      CreditsService
	idemStore    idempotency.Store
	providers    map[ProviderName]Provider
	nowFn        func() int64
	logger       *zap.Logger
	intentWindow time.Duration
}

// Option configures a Service instance.
type Option func(*Service)

// WithProvider registers a payment provider implementation.
func WithProvider(provider Provider) Option {
	return func(service *Service) {
		service.providers[provider.Name()] = provider
	}
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithIntentWindow overrides how long a fresh intent may stay unresolved
// before the expiration sweeper terminates it.
func WithIntentWindow(window time.Duration) Option {
	return func(service *Service) {
		if window > 0 {
			service.intentWindow = window
		}
	}
}

// NewService wires a Service.
func NewService(store Store, credits CreditsService, idemStore idempotency.Store, now func() int64, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if credits == nil {
		return nil, fmt.Errorf("%w: credits dependency is nil", ErrInvalidServiceConfig)
	}
	if idemStore == nil {
		return nil, fmt.Errorf("%w: idempotency store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		credits:      credits,
		idemStore:    idemStore,
		providers:    make(map[ProviderName]Provider),
		nowFn:        now,
		logger:       zap.NewNop(),
		intentWindow: defaultIntentWindow,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Create starts a payment intent. Identical logical requests dedupe to the
// same intent through the idempotency store; the unique key column on the
// intents table backstops that when the store is degraded.
func (service *Service) Create(ctx context.Context, params CreateParams) (Intent, error) {
	if err := params.Validate(); err != nil {
		return Intent{}, err
	}
	provider, ok := service.providers[params.Provider]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s not configured", ErrProviderUnavailable, params.Provider)
	}
	key := idempotency.GenerateKey(scopeCreateIntent, map[string]string{
		"user_id":  params.UserID,
		"amount":   strconv.FormatInt(params.AmountMinorUnits, 10),
		"currency": params.Currency,
		"credits":  strconv.FormatInt(params.CreditsAmount, 10),
		"provider": string(params.Provider),
	})
	cachedID, existed, err := service.idemStore.CheckAndStore(ctx, key, "", idempotency.TTLPaymentIntent)
	if err != nil {
		// Fail open: losing a legitimate payment is worse than the bounded
		// duplicate window the unique key column still closes.
		service.logger.Error("idempotency store degraded on intent create, proceeding",
			zap.String("user_id", params.UserID), zap.Error(err))
	}
	if existed {
		if cachedID != "" {
			return service.store.GetIntent(ctx, cachedID)
		}
		if intent, found, err := service.store.FindByIdempotencyKey(ctx, key); err == nil && found {
			return intent, nil
		}
	}

	referenceID := uuid.NewString()
	providerIntent, err := provider.CreatePaymentIntent(ctx, params, referenceID)
	if err != nil {
		return Intent{}, fmt.Errorf("create provider intent: %w", err)
	}
	nowUnixUTC := service.nowFn()
	intent := Intent{
		ID:               referenceID,
		UserID:           params.UserID,
		Provider:         params.Provider,
		ProviderIntentID: providerIntent.ProviderIntentID,
		AmountMinorUnits: params.AmountMinorUnits,
		Currency:         params.Currency,
		CreditsAmount:    params.CreditsAmount,
		Status:           StatusPending,
		IdempotencyKey:   key,
		Metadata:         params.Metadata,
		CreatedAtUnixUTC: nowUnixUTC,
		ExpiresAtUnixUTC: nowUnixUTC + int64(service.intentWindow/time.Second),
	}
	if err := service.store.InsertIntent(ctx, intent); err != nil {
		// A concurrent creation of the same logical request may have won.
		if existing, found, findErr := service.store.FindByIdempotencyKey(ctx, key); findErr == nil && found {
			return existing, nil
		}
		return Intent{}, err
	}
	if _, _, err := service.idemStore.CheckAndStore(ctx, key, intent.ID, idempotency.TTLPaymentIntent); err != nil {
		service.logger.Error("idempotency store degraded caching created intent",
			zap.String("intent_id", intent.ID), zap.Error(err))
	}
	service.logger.Info("payment intent created",
		zap.String("intent_id", intent.ID),
		zap.String("user_id", intent.UserID),
		zap.String("provider", string(intent.Provider)),
		zap.Int64("amount_minor_units", intent.AmountMinorUnits),
		zap.Int64("credits", intent.CreditsAmount))
	return intent, nil
}

// Get loads an intent by id.
func (service *Service) Get(ctx context.Context, id string) (Intent, error) {
	return service.store.GetIntent(ctx, id)
}

// GetByProviderIntentID loads an intent by the provider's identifier.
func (service *Service) GetByProviderIntentID(ctx context.Context, provider ProviderName, providerIntentID string) (Intent, error) {
	return service.store.GetByProviderIntentID(ctx, provider, providerIntentID)
}

// MarkProcessing moves an intent to processing.
func (service *Service) MarkProcessing(ctx context.Context, id string, reason string) (Intent, error) {
	return service.mark(ctx, id, StatusProcessing, reason)
}

// MarkSucceeded moves an intent to succeeded and stamps completion.
func (service *Service) MarkSucceeded(ctx context.Context, id string, reason string) (Intent, error) {
	return service.mark(ctx, id, StatusSucceeded, reason)
}

// MarkFailed moves an intent to failed and records the failure reason.
func (service *Service) MarkFailed(ctx context.Context, id string, reason string) (Intent, error) {
	return service.mark(ctx, id, StatusFailed, reason)
}

// MarkRequiresAction flags an intent as waiting on user action.
func (service *Service) MarkRequiresAction(ctx context.Context, id string, reason string) (Intent, error) {
	return service.mark(ctx, id, StatusRequiresAction, reason)
}

// MarkExpired terminates an intent that never resolved.
func (service *Service) MarkExpired(ctx context.Context, id string, reason string) (Intent, error) {
	return service.mark(ctx, id, StatusExpired, reason)
}

// MarkCanceled terminates an intent on explicit user or admin request.
// Rejected once the intent has reached a terminal state.
func (service *Service) MarkCanceled(ctx context.Context, id string, reason string) (Intent, error) {
	return service.mark(ctx, id, StatusCanceled, reason)
}

// Cancel marks the intent canceled and voids it at the provider. Provider
// cancellation is best effort: the local transition already blocks
// fulfillment, so a provider error is logged rather than returned.
func (service *Service) Cancel(ctx context.Context, id string, reason string) (Intent, error) {
	intent, err := service.mark(ctx, id, StatusCanceled, reason)
	if err != nil {
		return Intent{}, err
	}
	provider, ok := service.providers[intent.Provider]
	if ok && intent.ProviderIntentID != "" {
		if cancelErr := provider.CancelPaymentIntent(ctx, intent.ProviderIntentID); cancelErr != nil {
			service.logger.Warn("provider cancel failed",
				zap.String("intent_id", intent.ID),
				zap.String("provider", string(intent.Provider)),
				zap.Error(cancelErr))
		}
	}
	return intent, nil
}

func (service *Service) mark(ctx context.Context, id string, to Status, reason string) (Intent, error) {
	intent, err := service.store.GetIntent(ctx, id)
	if err != nil {
		return Intent{}, err
	}
	from := intent.Status
	nowUnixUTC := service.nowFn()
	if err := transition(&intent, to, reason, nowUnixUTC); err != nil {
		return Intent{}, err
	}
	switch to {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusCanceled:
		intent.CompletedAtUnixUTC = nowUnixUTC
	}
	if to == StatusFailed {
		intent.LastError = reason
	}
	if err := service.store.UpdateIntentStatus(ctx, intent, from); err != nil {
		return Intent{}, err
	}
	service.logger.Info("payment intent transitioned",
		zap.String("intent_id", intent.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))
	return intent, nil
}

// Fulfill credits the user's account for a succeeded intent: exactly one
// credit_add entry debiting revenue, exactly one flag flip. Safe to retry:
// the credits append dedupes on a key derived from the intent id, and the
// flag flip is a compare-and-swap. Returns true when credits are in place,
// whether this call or an earlier one put them there.
func (service *Service) Fulfill(ctx context.Context, id string) (bool, error) {
	intent, err := service.store.GetIntent(ctx, id)
	if err != nil {
		return false, err
	}
	if intent.Status != StatusSucceeded {
		return false, fmt.Errorf("%w: fulfill requires succeeded, intent is %s", ErrInvalidStateTransition, intent.Status)
	}
	if intent.CreditsAdded {
		return true, nil
	}
	transactionID, err := service.credits.AddCredits(
		ctx,
		intent.UserID,
		intent.CreditsAmount,
		fulfillDescription,
		intent.ID,
		fulfillIdempotencyPrefix+intent.ID,
	)
	if err != nil {
		// creditsAdded stays false so webhook redelivery or a reconciliation
		// sweep can re-attempt.
		if retryErr := service.store.IncrementRetry(ctx, intent.ID, err.Error()); retryErr != nil {
			service.logger.Error("failed to record fulfillment retry",
				zap.String("intent_id", intent.ID), zap.Error(retryErr))
		}
		service.logger.Error("fulfillment failed",
			zap.String("intent_id", intent.ID),
			zap.String("user_id", intent.UserID),
			zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrFulfillmentFailure, err)
	}
	won, err := service.store.SetCreditsAdded(ctx, intent.ID, transactionID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFulfillmentFailure, err)
	}
	if !won {
		// A concurrent fulfiller flipped the flag first; the ledger append
		// above deduped to its entry, so the outcome is identical.
		return true, nil
	}
	service.logger.Info("payment intent fulfilled",
		zap.String("intent_id", intent.ID),
		zap.String("user_id", intent.UserID),
		zap.Int64("credits", intent.CreditsAmount),
		zap.String("ledger_transaction_id", transactionID))
	return true, nil
}

// Refund reverses a fulfilled intent: one refund entry moving the credits
// back out of the user's account, one flag flip, one transition to refunded.
// Requires credits to have been added and not yet refunded.
func (service *Service) Refund(ctx context.Context, id string, reason string) (bool, error) {
	intent, err := service.store.GetIntent(ctx, id)
	if err != nil {
		return false, err
	}
	if !intent.CreditsAdded {
		return false, fmt.Errorf("%w: intent %s has no fulfilled credits", ErrRefundPrecondition, intent.ID)
	}
	if intent.CreditsRefunded {
		return false, fmt.Errorf("%w: intent %s", ErrAlreadyRefunded, intent.ID)
	}
	if intent.Status != StatusSucceeded {
		return false, fmt.Errorf("%w: refund requires succeeded, intent is %s", ErrInvalidStateTransition, intent.Status)
	}
	transactionID, err := service.credits.RefundCredits(
		ctx,
		intent.UserID,
		intent.CreditsAmount,
		reason,
		intent.ID,
		refundIdempotencyPrefix+intent.ID,
	)
	if err != nil {
		return false, fmt.Errorf("refund credits: %w", err)
	}
	won, err := service.store.SetCreditsRefunded(ctx, intent.ID, transactionID)
	if err != nil {
		return false, err
	}
	if !won {
		return false, fmt.Errorf("%w: intent %s", ErrAlreadyRefunded, intent.ID)
	}
	if _, err := service.mark(ctx, intent.ID, StatusRefunded, reason); err != nil {
		return false, err
	}
	service.logger.Info("payment intent refunded",
		zap.String("intent_id", intent.ID),
		zap.String("user_id", intent.UserID),
		zap.Int64("credits", intent.CreditsAmount),
		zap.String("reason", reason))
	return true, nil
}

// ProviderStatus polls the provider for the current status of an intent.
func (service *Service) ProviderStatus(ctx context.Context, id string) (Status, error) {
	intent, err := service.store.GetIntent(ctx, id)
	if err != nil {
		return "", err
	}
	provider, ok := service.providers[intent.Provider]
	if !ok {
		return "", fmt.Errorf("%w: %s not configured", ErrProviderUnavailable, intent.Provider)
	}
	return provider.GetPaymentStatus(ctx, intent.ProviderIntentID)
}
