// Package stripeprovider backs payment intents with the Stripe API.
package stripeprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/payment"
	webhookcore "github.com/veloraapp/payledger/pkg/webhook"
)

const (
	metadataKeyReferenceID = "reference_id"
	metadataKeyUserID      = "user_id"
	metadataKeyCredits     = "credits"
)

// Provider implements payment.Provider on the Stripe API.
type Provider struct {
	client *stripe.Client
	logger *zap.Logger
}

// New returns a Provider using the given API key.
func New(apiKey string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client: stripe.NewClient(apiKey),
		logger: logger,
	}
}

// Name implements payment.Provider.
func (provider *Provider) Name() payment.ProviderName {
	return payment.ProviderStripe
}

// CreatePaymentIntent creates the Stripe-side intent. The reference id rides
// along in metadata so provider dashboards link back to our intent.
func (provider *Provider) CreatePaymentIntent(ctx context.Context, params payment.CreateParams, referenceID string) (payment.ProviderIntent, error) {
	intentParams := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(params.AmountMinorUnits),
		Currency: stripe.String(params.Currency),
		Metadata: map[string]string{
			metadataKeyReferenceID: referenceID,
			metadataKeyUserID:      params.UserID,
			metadataKeyCredits:     fmt.Sprintf("%d", params.CreditsAmount),
		},
	}
	intent, err := provider.client.V1PaymentIntents.Create(ctx, intentParams)
	if err != nil {
		provider.logger.Error("stripe payment intent create failed",
			zap.String("reference_id", referenceID), zap.Error(err))
		return payment.ProviderIntent{}, fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
	}
	return payment.ProviderIntent{
		ProviderIntentID: intent.ID,
		ClientSecret:     intent.ClientSecret,
		Status:           mapIntentStatus(intent.Status),
	}, nil
}

// GetPaymentStatus implements payment.Provider.
func (provider *Provider) GetPaymentStatus(ctx context.Context, providerIntentID string) (payment.Status, error) {
	intent, err := provider.client.V1PaymentIntents.Retrieve(ctx, providerIntentID, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
	}
	return mapIntentStatus(intent.Status), nil
}

// CancelPaymentIntent implements payment.Provider.
func (provider *Provider) CancelPaymentIntent(ctx context.Context, providerIntentID string) error {
	_, err := provider.client.V1PaymentIntents.Cancel(ctx, providerIntentID, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
	}
	return nil
}

func mapIntentStatus(status stripe.PaymentIntentStatus) payment.Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return payment.StatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return payment.StatusProcessing
	case stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod:
		return payment.StatusRequiresAction
	case stripe.PaymentIntentStatusCanceled:
		return payment.StatusCanceled
	}
	return payment.StatusPending
}

// Verifier authenticates Stripe webhook payloads against the endpoint's
// signing secret.
type Verifier struct {
	signingSecret string
}

// NewVerifier returns a Verifier for the given signing secret.
func NewVerifier(signingSecret string) *Verifier {
	return &Verifier{signingSecret: signingSecret}
}

// Provider implements webhook.SignatureVerifier.
func (verifier *Verifier) Provider() payment.ProviderName {
	return payment.ProviderStripe
}

// VerifyAndParse checks the Stripe-Signature header and normalizes the event.
func (verifier *Verifier) VerifyAndParse(payload []byte, signatureHeader string) (webhookcore.Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, verifier.signingSecret)
	if err != nil {
		return webhookcore.Event{}, fmt.Errorf("%w: %v", webhookcore.ErrInvalidSignature, err)
	}
	normalized := webhookcore.Event{
		Provider: payment.ProviderStripe,
		ID:       event.ID,
		Type:     string(event.Type),
		Kind:     webhookcore.KindUnknown,
	}
	switch event.Type {
	case "payment_intent.succeeded":
		normalized.Kind = webhookcore.KindPaymentSucceeded
	case "payment_intent.payment_failed":
		normalized.Kind = webhookcore.KindPaymentFailed
		normalized.Reason = "provider reported payment failure"
	case "payment_intent.canceled":
		normalized.Kind = webhookcore.KindPaymentCanceled
		normalized.Reason = "provider reported cancellation"
	case "charge.refunded":
		normalized.Kind = webhookcore.KindRefund
		normalized.Reason = "provider reported refund"
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return webhookcore.Event{}, fmt.Errorf("parse charge.refunded: %w", err)
		}
		if charge.PaymentIntent != nil {
			normalized.ProviderIntentID = charge.PaymentIntent.ID
		}
		normalized.AmountMinorUnits = charge.AmountRefunded
		normalized.Currency = string(charge.Currency)
		return normalized, nil
	default:
		return normalized, nil
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return webhookcore.Event{}, fmt.Errorf("parse %s: %w", event.Type, err)
	}
	normalized.ProviderIntentID = intent.ID
	normalized.AmountMinorUnits = intent.Amount
	normalized.Currency = string(intent.Currency)
	return normalized, nil
}
