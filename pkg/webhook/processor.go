package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/idempotency"
	"github.com/veloraapp/payledger/pkg/payment"
)

// OutcomeStatus classifies what Process did with an event.
type OutcomeStatus string

const (
	OutcomeProcessed OutcomeStatus = "processed"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeIgnored   OutcomeStatus = "ignored"
	outcomeRejected                = "rejected"
	outcomeFailed                  = "failed"
)

// Outcome reports the disposition of one delivered event.
type Outcome struct {
	Status   OutcomeStatus
	EventID  string
	IntentID string
}

const (
	scopeWebhookEvent = "webhook.event"
	lockKeyPrefix     = "webhook:lock:"

	reasonProviderSucceeded = "provider reported success"
	reasonProviderFailed    = "provider reported failure"
	reasonProviderCanceled  = "provider reported cancellation"
	reasonProviderRefund    = "provider refund"
)

// Processor is the trust boundary between the payment provider's deliveries
// and the ledger. Each gate in Process is hard: signature, dedup, lock,
// dispatch, then mark-processed only after the handler finished cleanly.
type Processor struct {
	verifiers map[payment.ProviderName]SignatureVerifier
	payments  *payment.Service
	idemStore idempotency.Store
	locker    idempotency.Locker
	publisher Publisher
	recorder  OutcomeRecorder
	nowFn     func() int64
	logger    *zap.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithVerifier registers a provider signature verifier.
func WithVerifier(verifier SignatureVerifier) ProcessorOption {
	return func(processor *Processor) {
		processor.verifiers[verifier.Provider()] = verifier
	}
}

// WithPublisher wires an event publisher for lifecycle notices.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(processor *Processor) {
		if publisher != nil {
			processor.publisher = publisher
		}
	}
}

// WithOutcomeRecorder wires outcome metrics.
func WithOutcomeRecorder(recorder OutcomeRecorder) ProcessorOption {
	return func(processor *Processor) {
		processor.recorder = recorder
	}
}

// WithProcessorLogger wires a structured logger.
func WithProcessorLogger(logger *zap.Logger) ProcessorOption {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// NewProcessor wires a Processor.
func NewProcessor(payments *payment.Service, idemStore idempotency.Store, locker idempotency.Locker, now func() int64, options ...ProcessorOption) (*Processor, error) {
	if payments == nil {
		return nil, fmt.Errorf("%w: payment service dependency is nil", ErrInvalidProcessorSetup)
	}
	if idemStore == nil {
		return nil, fmt.Errorf("%w: idempotency store dependency is nil", ErrInvalidProcessorSetup)
	}
	if locker == nil {
		return nil, fmt.Errorf("%w: locker dependency is nil", ErrInvalidProcessorSetup)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidProcessorSetup)
	}
	processor := &Processor{
		verifiers: make(map[payment.ProviderName]SignatureVerifier),
		payments:  payments,
		idemStore: idemStore,
		locker:    locker,
		publisher: NoopPublisher{},
		nowFn:     now,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Process runs one delivered payload through the full pipeline and reports
// the disposition. An ErrInvalidSignature return means the payload was never
// inspected; any other error return means the provider should redeliver.
func (processor *Processor) Process(ctx context.Context, provider payment.ProviderName, payload []byte, signatureHeader string) (Outcome, error) {
	verifier, ok := processor.verifiers[provider]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	event, err := verifier.VerifyAndParse(payload, signatureHeader)
	if err != nil {
		processor.record(provider, outcomeRejected)
		processor.logger.Warn("webhook signature rejected",
			zap.String("provider", string(provider)), zap.Error(err))
		return Outcome{}, err
	}

	dedupKey := idempotency.GenerateKey(scopeWebhookEvent, map[string]string{
		"provider": string(event.Provider),
		"event_id": event.ID,
	})
	cachedOutcome, seen, err := processor.idemStore.CheckAndStore(ctx, dedupKey, "", idempotency.TTLWebhookEvent)
	if err != nil {
		// Fail open: the intent's creditsAdded flag still blocks a double
		// credit if this really is a redelivery.
		processor.logger.Error("idempotency store degraded on webhook dedup, proceeding",
			zap.String("event_id", event.ID), zap.Error(err))
	}
	// Only a non-empty cached value means a prior delivery finished the
	// handler. An empty marker is an attempt that never completed (crashed
	// or returned an error), so the redelivery must run; the processing
	// lock below serializes copies that are still in flight.
	if seen && cachedOutcome != "" {
		processor.record(provider, string(OutcomeDuplicate))
		return Outcome{Status: OutcomeDuplicate, EventID: event.ID}, nil
	}

	lockKey := lockKeyPrefix + string(event.Provider) + ":" + event.ID
	acquired, err := processor.locker.Acquire(ctx, lockKey, idempotency.TTLProcessingLock)
	if err != nil {
		processor.logger.Error("processing lock backend degraded, proceeding",
			zap.String("event_id", event.ID), zap.Error(err))
		acquired = true // degraded mode: rely on downstream guards
	} else if !acquired {
		// A concurrently delivered copy holds the lock. Report duplicate so
		// the provider gets a success-equivalent response and stops retrying.
		processor.record(provider, string(OutcomeDuplicate))
		return Outcome{Status: OutcomeDuplicate, EventID: event.ID}, nil
	} else {
		defer func() {
			if releaseErr := processor.locker.Release(context.WithoutCancel(ctx), lockKey); releaseErr != nil {
				processor.logger.Error("failed to release processing lock",
					zap.String("lock_key", lockKey), zap.Error(releaseErr))
			}
		}()
	}

	outcome, err := processor.dispatch(ctx, event)
	if err != nil {
		processor.record(provider, outcomeFailed)
		return Outcome{}, err
	}

	if _, _, storeErr := processor.idemStore.CheckAndStore(ctx, dedupKey, string(outcome.Status), idempotency.TTLWebhookEvent); storeErr != nil {
		processor.logger.Error("failed to mark webhook event processed",
			zap.String("event_id", event.ID), zap.Error(storeErr))
	}
	processor.record(provider, string(outcome.Status))
	return outcome, nil
}

func (processor *Processor) dispatch(ctx context.Context, event Event) (Outcome, error) {
	switch event.Kind {
	case KindPaymentSucceeded:
		return processor.handleSucceeded(ctx, event)
	case KindPaymentFailed:
		return processor.handleTerminal(ctx, event, payment.StatusFailed, reasonProviderFailed)
	case KindPaymentCanceled:
		return processor.handleTerminal(ctx, event, payment.StatusCanceled, reasonProviderCanceled)
	case KindRefund:
		return processor.handleRefund(ctx, event)
	default:
		processor.logger.Info("ignoring unhandled webhook event type",
			zap.String("provider", string(event.Provider)),
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID))
		return Outcome{Status: OutcomeIgnored, EventID: event.ID}, nil
	}
}

func (processor *Processor) handleSucceeded(ctx context.Context, event Event) (Outcome, error) {
	intent, err := processor.payments.GetByProviderIntentID(ctx, event.Provider, event.ProviderIntentID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			return processor.unknownIntent(event), nil
		}
		return Outcome{}, err
	}
	if _, err := processor.payments.MarkSucceeded(ctx, intent.ID, reasonProviderSucceeded); err != nil {
		// A replayed success for an already-succeeded intent is fine; the
		// fulfillment below is idempotent either way.
		if !errors.Is(err, payment.ErrInvalidStateTransition) || intent.Status != payment.StatusSucceeded {
			return Outcome{}, err
		}
	}
	if _, err := processor.payments.Fulfill(ctx, intent.ID); err != nil {
		return Outcome{}, err
	}
	processor.publish(ctx, Notice{
		IntentID:  intent.ID,
		UserID:    intent.UserID,
		Kind:      KindPaymentSucceeded,
		Credits:   intent.CreditsAmount,
		AtUnixUTC: processor.nowFn(),
	})
	return Outcome{Status: OutcomeProcessed, EventID: event.ID, IntentID: intent.ID}, nil
}

func (processor *Processor) handleTerminal(ctx context.Context, event Event, to payment.Status, reason string) (Outcome, error) {
	intent, err := processor.payments.GetByProviderIntentID(ctx, event.Provider, event.ProviderIntentID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			return processor.unknownIntent(event), nil
		}
		return Outcome{}, err
	}
	if event.Reason != "" {
		reason = event.Reason
	}
	switch to {
	case payment.StatusFailed:
		_, err = processor.payments.MarkFailed(ctx, intent.ID, reason)
	case payment.StatusCanceled:
		_, err = processor.payments.MarkCanceled(ctx, intent.ID, reason)
	default:
		return Outcome{}, fmt.Errorf("unsupported terminal dispatch: %s", to)
	}
	if err != nil {
		// Redelivery after the intent already reached this state.
		if errors.Is(err, payment.ErrInvalidStateTransition) && intent.Status == to {
			return Outcome{Status: OutcomeDuplicate, EventID: event.ID, IntentID: intent.ID}, nil
		}
		return Outcome{}, err
	}
	processor.publish(ctx, Notice{
		IntentID:  intent.ID,
		UserID:    intent.UserID,
		Kind:      event.Kind,
		AtUnixUTC: processor.nowFn(),
	})
	return Outcome{Status: OutcomeProcessed, EventID: event.ID, IntentID: intent.ID}, nil
}

func (processor *Processor) handleRefund(ctx context.Context, event Event) (Outcome, error) {
	intent, err := processor.payments.GetByProviderIntentID(ctx, event.Provider, event.ProviderIntentID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			return processor.unknownIntent(event), nil
		}
		return Outcome{}, err
	}
	reason := reasonProviderRefund
	if event.Reason != "" {
		reason = event.Reason
	}
	if _, err := processor.payments.Refund(ctx, intent.ID, reason); err != nil {
		if errors.Is(err, payment.ErrAlreadyRefunded) {
			return Outcome{Status: OutcomeDuplicate, EventID: event.ID, IntentID: intent.ID}, nil
		}
		return Outcome{}, err
	}
	processor.publish(ctx, Notice{
		IntentID:  intent.ID,
		UserID:    intent.UserID,
		Kind:      KindRefund,
		Credits:   intent.CreditsAmount,
		AtUnixUTC: processor.nowFn(),
	})
	return Outcome{Status: OutcomeProcessed, EventID: event.ID, IntentID: intent.ID}, nil
}

// unknownIntent acknowledges an event for an intent this system has no
// record of. Possible out-of-band payment or data loss; logged for ops,
// acked so the provider stops retrying.
func (processor *Processor) unknownIntent(event Event) Outcome {
	processor.logger.Warn("webhook references unknown payment intent",
		zap.String("provider", string(event.Provider)),
		zap.String("provider_intent_id", event.ProviderIntentID),
		zap.String("event_id", event.ID))
	return Outcome{Status: OutcomeIgnored, EventID: event.ID}
}

func (processor *Processor) publish(ctx context.Context, notice Notice) {
	if err := processor.publisher.PublishPaymentNotice(ctx, notice); err != nil {
		processor.logger.Error("failed to publish payment notice",
			zap.String("intent_id", notice.IntentID), zap.Error(err))
	}
}

func (processor *Processor) record(provider payment.ProviderName, outcome string) {
	if processor.recorder != nil {
		processor.recorder.RecordWebhookOutcome(string(provider), outcome)
	}
}
