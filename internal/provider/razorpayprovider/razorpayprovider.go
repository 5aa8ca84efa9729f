// Package razorpayprovider backs payment intents with Razorpay Orders.
package razorpayprovider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/payment"
	webhookcore "github.com/veloraapp/payledger/pkg/webhook"
)

const (
	orderStatusPaid      = "paid"
	orderStatusAttempted = "attempted"

	eventPaymentCaptured = "payment.captured"
	eventPaymentFailed   = "payment.failed"
	eventRefundProcessed = "refund.processed"
)

// Provider implements payment.Provider on Razorpay Orders. The order id is
// the provider intent id.
type Provider struct {
	client *razorpay.Client
	logger *zap.Logger
}

// New returns a Provider using the given key pair.
func New(keyID string, keySecret string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client: razorpay.NewClient(keyID, keySecret),
		logger: logger,
	}
}

// Name implements payment.Provider.
func (provider *Provider) Name() payment.ProviderName {
	return payment.ProviderRazorpay
}

// CreatePaymentIntent creates a Razorpay order carrying the reference id as
// the receipt.
func (provider *Provider) CreatePaymentIntent(_ context.Context, params payment.CreateParams, referenceID string) (payment.ProviderIntent, error) {
	data := map[string]interface{}{
		"amount":   params.AmountMinorUnits,
		"currency": params.Currency,
		"receipt":  referenceID,
		"notes": map[string]interface{}{
			"user_id": params.UserID,
			"credits": params.CreditsAmount,
		},
	}
	order, err := provider.client.Order.Create(data, nil)
	if err != nil {
		provider.logger.Error("razorpay order create failed",
			zap.String("reference_id", referenceID), zap.Error(err))
		return payment.ProviderIntent{}, fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
	}
	orderID, _ := order["id"].(string)
	if orderID == "" {
		return payment.ProviderIntent{}, fmt.Errorf("%w: order response missing id", payment.ErrProviderUnavailable)
	}
	return payment.ProviderIntent{
		ProviderIntentID: orderID,
		Status:           payment.StatusPending,
	}, nil
}

// GetPaymentStatus maps the order status onto the intent lifecycle.
func (provider *Provider) GetPaymentStatus(_ context.Context, providerIntentID string) (payment.Status, error) {
	order, err := provider.client.Order.Fetch(providerIntentID, nil, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
	}
	status, _ := order["status"].(string)
	switch status {
	case orderStatusPaid:
		return payment.StatusSucceeded, nil
	case orderStatusAttempted:
		return payment.StatusProcessing, nil
	}
	return payment.StatusPending, nil
}

// CancelPaymentIntent is a no-op: Razorpay orders cannot be canceled through
// the API, unpaid ones lapse on their own.
func (provider *Provider) CancelPaymentIntent(_ context.Context, providerIntentID string) error {
	provider.logger.Info("razorpay order left to lapse on cancel",
		zap.String("provider_intent_id", providerIntentID))
	return nil
}

// PaymentLookup resolves a Razorpay payment by id. The client's Payment
// resource implements it.
type PaymentLookup interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// PaymentLookup exposes the payment resource so a Verifier can resolve
// refund webhooks back to their order.
func (provider *Provider) PaymentLookup() PaymentLookup {
	return provider.client.Payment
}

// Verifier authenticates Razorpay webhook payloads.
type Verifier struct {
	webhookSecret string
	payments      PaymentLookup
	logger        *zap.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithPaymentLookup lets refund webhooks, which carry only a refund entity
// with a payment id, be resolved to their order.
func WithPaymentLookup(payments PaymentLookup) VerifierOption {
	return func(verifier *Verifier) { verifier.payments = payments }
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(verifier *Verifier) {
		if logger != nil {
			verifier.logger = logger
		}
	}
}

// NewVerifier returns a Verifier for the given webhook secret.
func NewVerifier(webhookSecret string, options ...VerifierOption) *Verifier {
	verifier := &Verifier{
		webhookSecret: webhookSecret,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier
}

// Provider implements webhook.SignatureVerifier.
func (verifier *Verifier) Provider() payment.ProviderName {
	return payment.ProviderRazorpay
}

type razorpayEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				Currency         string `json:"currency"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
				Currency  string `json:"currency"`
			} `json:"entity"`
		} `json:"refund"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// VerifyAndParse checks the X-Razorpay-Signature header and normalizes the
// event. Razorpay omits an event id from the body, so the payload digest
// stands in for dedup: redeliveries carry identical bytes.
func (verifier *Verifier) VerifyAndParse(payload []byte, signatureHeader string) (webhookcore.Event, error) {
	if !utils.VerifyWebhookSignature(string(payload), signatureHeader, verifier.webhookSecret) {
		return webhookcore.Event{}, webhookcore.ErrInvalidSignature
	}
	var envelope razorpayEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return webhookcore.Event{}, fmt.Errorf("parse razorpay event: %w", err)
	}
	digest := sha256.Sum256(payload)
	normalized := webhookcore.Event{
		Provider:         payment.ProviderRazorpay,
		ID:               hex.EncodeToString(digest[:]),
		Type:             envelope.Event,
		Kind:             webhookcore.KindUnknown,
		ProviderIntentID: envelope.Payload.Payment.Entity.OrderID,
		AmountMinorUnits: envelope.Payload.Payment.Entity.Amount,
		Currency:         envelope.Payload.Payment.Entity.Currency,
	}
	switch envelope.Event {
	case eventPaymentCaptured:
		normalized.Kind = webhookcore.KindPaymentSucceeded
	case eventPaymentFailed:
		normalized.Kind = webhookcore.KindPaymentFailed
		normalized.Reason = envelope.Payload.Payment.Entity.ErrorDescription
		if normalized.Reason == "" {
			normalized.Reason = "provider reported payment failure"
		}
	case eventRefundProcessed:
		normalized.Kind = webhookcore.KindRefund
		normalized.Reason = "provider reported refund"
		normalized.AmountMinorUnits = envelope.Payload.Refund.Entity.Amount
		normalized.Currency = envelope.Payload.Refund.Entity.Currency
		if normalized.ProviderIntentID == "" {
			normalized.ProviderIntentID = envelope.Payload.Order.Entity.ID
		}
		// Refund webhooks may carry only the refund entity; its payment id
		// is then the sole route back to the order.
		if normalized.ProviderIntentID == "" {
			normalized.ProviderIntentID = verifier.orderIDForPayment(envelope.Payload.Refund.Entity.PaymentID)
		}
	}
	return normalized, nil
}

func (verifier *Verifier) orderIDForPayment(paymentID string) string {
	if paymentID == "" || verifier.payments == nil {
		return ""
	}
	paymentEntity, err := verifier.payments.Fetch(paymentID, nil, nil)
	if err != nil {
		verifier.logger.Error("razorpay payment fetch for refund resolution failed",
			zap.String("payment_id", paymentID), zap.Error(err))
		return ""
	}
	orderID, _ := paymentEntity["order_id"].(string)
	return orderID
}
