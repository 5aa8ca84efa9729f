// Package simulated is a credential-free payment provider for local runs
// and tests. It exercises the full pipeline, webhook signatures included.
package simulated

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/veloraapp/payledger/pkg/payment"
	webhookcore "github.com/veloraapp/payledger/pkg/webhook"
)

const providerIntentPrefix = "sim_"

// Provider implements payment.Provider in memory.
type Provider struct {
	mu      sync.Mutex
	intents map[string]payment.Status
}

// New returns an empty simulated provider.
func New() *Provider {
	return &Provider{intents: make(map[string]payment.Status)}
}

// Name implements payment.Provider.
func (provider *Provider) Name() payment.ProviderName {
	return payment.ProviderSimulated
}

// CreatePaymentIntent mints a deterministic-by-reference provider intent id.
func (provider *Provider) CreatePaymentIntent(_ context.Context, _ payment.CreateParams, referenceID string) (payment.ProviderIntent, error) {
	providerIntentID := providerIntentPrefix + referenceID
	provider.mu.Lock()
	provider.intents[providerIntentID] = payment.StatusPending
	provider.mu.Unlock()
	return payment.ProviderIntent{
		ProviderIntentID: providerIntentID,
		ClientSecret:     providerIntentID + "_secret",
		Status:           payment.StatusPending,
	}, nil
}

// GetPaymentStatus implements payment.Provider.
func (provider *Provider) GetPaymentStatus(_ context.Context, providerIntentID string) (payment.Status, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	status, ok := provider.intents[providerIntentID]
	if !ok {
		return "", fmt.Errorf("%w: unknown simulated intent %s", payment.ErrProviderUnavailable, providerIntentID)
	}
	return status, nil
}

// CancelPaymentIntent implements payment.Provider.
func (provider *Provider) CancelPaymentIntent(_ context.Context, providerIntentID string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if _, ok := provider.intents[providerIntentID]; !ok {
		return fmt.Errorf("%w: unknown simulated intent %s", payment.ErrProviderUnavailable, providerIntentID)
	}
	provider.intents[providerIntentID] = payment.StatusCanceled
	return nil
}

// SetStatus forces a simulated intent into a status. Test hook.
func (provider *Provider) SetStatus(providerIntentID string, status payment.Status) {
	provider.mu.Lock()
	provider.intents[providerIntentID] = status
	provider.mu.Unlock()
}

// eventBody is the simulated wire format.
type eventBody struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	ProviderIntentID string `json:"provider_intent_id"`
	AmountMinorUnits int64  `json:"amount"`
	Currency         string `json:"currency"`
	Reason           string `json:"reason"`
}

var kindByType = map[string]webhookcore.Kind{
	"payment.succeeded": webhookcore.KindPaymentSucceeded,
	"payment.failed":    webhookcore.KindPaymentFailed,
	"payment.canceled":  webhookcore.KindPaymentCanceled,
	"payment.refunded":  webhookcore.KindRefund,
}

// Verifier authenticates simulated webhooks with HMAC-SHA256 over the raw
// payload, hex-encoded in the signature header.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Provider implements webhook.SignatureVerifier.
func (verifier *Verifier) Provider() payment.ProviderName {
	return payment.ProviderSimulated
}

// Sign produces the signature header for a payload. Used by tests and the
// local event generator.
func (verifier *Verifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAndParse implements webhook.SignatureVerifier.
func (verifier *Verifier) VerifyAndParse(payload []byte, signatureHeader string) (webhookcore.Event, error) {
	expected, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return webhookcore.Event{}, webhookcore.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return webhookcore.Event{}, webhookcore.ErrInvalidSignature
	}
	var body eventBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return webhookcore.Event{}, fmt.Errorf("parse simulated event: %w", err)
	}
	kind, ok := kindByType[body.Type]
	if !ok {
		kind = webhookcore.KindUnknown
	}
	return webhookcore.Event{
		Provider:         payment.ProviderSimulated,
		ID:               body.ID,
		Type:             body.Type,
		Kind:             kind,
		ProviderIntentID: body.ProviderIntentID,
		AmountMinorUnits: body.AmountMinorUnits,
		Currency:         body.Currency,
		Reason:           body.Reason,
	}, nil
}

// NewEventPayload builds a signed simulated event. Returns the payload and
// its signature header.
func NewEventPayload(verifier *Verifier, eventType string, providerIntentID string, amount int64, currency string) ([]byte, string, error) {
	body := eventBody{
		ID:               uuid.NewString(),
		Type:             eventType,
		ProviderIntentID: providerIntentID,
		AmountMinorUnits: amount,
		Currency:         currency,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return payload, verifier.Sign(payload), nil
}
