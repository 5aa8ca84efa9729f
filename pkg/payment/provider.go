package payment

import "context"

// ProviderIntent is what a provider reports back after creating an intent
// on its side.
type ProviderIntent struct {
	ProviderIntentID string
	ClientSecret     string
	Status           Status
}

// Provider is the capability contract a payment backend implements. Live
// implementations wrap Stripe and Razorpay; the simulated implementation
// exercises the whole pipeline without credentials. Which one an intent
// uses is decided at construction time by configuration, never by sniffing
// for API keys at runtime.
type Provider interface {
	Name() ProviderName
	CreatePaymentIntent(ctx context.Context, params CreateParams, referenceID string) (ProviderIntent, error)
	GetPaymentStatus(ctx context.Context, providerIntentID string) (Status, error)
	CancelPaymentIntent(ctx context.Context, providerIntentID string) error
}

// CreditsService is the outbound surface fulfillment and refunds write
// through. The ledger-backed implementation lives in pkg/credits.
type CreditsService interface {
	AddCredits(ctx context.Context, userID string, amount int64, description, referenceID, idempotencyKey string) (transactionID string, err error)
	RefundCredits(ctx context.Context, userID string, amount int64, description, referenceID, idempotencyKey string) (transactionID string, err error)
}
