package webhook

import (
	"context"

	"github.com/veloraapp/payledger/pkg/payment"
)

// Kind is the normalized meaning of a provider event, independent of each
// provider's own type vocabulary.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment_succeeded"
	KindPaymentFailed    Kind = "payment_failed"
	KindPaymentCanceled  Kind = "payment_canceled"
	KindRefund           Kind = "refund"
	// KindUnknown covers event types this core does not handle. They are
	// acknowledged and skipped, never treated as errors, so new provider
	// event types cannot break processing.
	KindUnknown Kind = "unknown"
)

// Event is a provider webhook event after signature verification and
// normalization.
type Event struct {
	Provider         payment.ProviderName
	ID               string
	Type             string
	Kind             Kind
	ProviderIntentID string
	AmountMinorUnits int64
	Currency         string
	Reason           string
}

// SignatureVerifier authenticates and parses one provider's webhook payloads.
// Verification failures must surface as ErrInvalidSignature; the payload is
// never inspected further once the signature check fails.
type SignatureVerifier interface {
	Provider() payment.ProviderName
	VerifyAndParse(payload []byte, signatureHeader string) (Event, error)
}

// Notice announces a completed lifecycle change to the surrounding system.
type Notice struct {
	IntentID  string `json:"intent_id"`
	UserID    string `json:"user_id"`
	Kind      Kind   `json:"kind"`
	Credits   int64  `json:"credits"`
	AtUnixUTC int64  `json:"at"`
}

// Publisher fans lifecycle notices out to interested consumers.
type Publisher interface {
	PublishPaymentNotice(ctx context.Context, notice Notice) error
}

// NoopPublisher drops notices. Used when no bus is configured.
type NoopPublisher struct{}

// PublishPaymentNotice implements Publisher.
func (NoopPublisher) PublishPaymentNotice(context.Context, Notice) error { return nil }

// OutcomeRecorder counts processing outcomes, one increment per event.
type OutcomeRecorder interface {
	RecordWebhookOutcome(provider string, outcome string)
}
