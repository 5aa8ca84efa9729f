package payment

import (
	"context"
	"fmt"
	"strings"
)

// ProviderName selects which payment provider backs an intent.
type ProviderName string

const (
	ProviderStripe    ProviderName = "stripe"
	ProviderRazorpay  ProviderName = "razorpay"
	ProviderSimulated ProviderName = "simulated"
)

// ParseProviderName validates a stored provider tag.
func ParseProviderName(raw string) (ProviderName, error) {
	switch ProviderName(raw) {
	case ProviderStripe, ProviderRazorpay, ProviderSimulated:
		return ProviderName(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidProvider, raw)
}

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusRequiresAction Status = "requires_action"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusExpired        Status = "expired"
	StatusCanceled       Status = "canceled"
	StatusRefunded       Status = "refunded"
)

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusProcessing, StatusRequiresAction, StatusSucceeded,
		StatusFailed, StatusExpired, StatusCanceled, StatusRefunded:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// String returns the stable wire value.
func (status Status) String() string {
	return string(status)
}

// StatusChange is one row of the intent's append-only transition history.
type StatusChange struct {
	From      Status `json:"from"`
	To        Status `json:"to"`
	Reason    string `json:"reason"`
	AtUnixUTC int64  `json:"at"`
}

// MetadataKey enumerates the metadata fields an intent may carry. A typed
// key set instead of a free-form map keeps malformed metadata out of the
// store.
type MetadataKey string

const (
	MetadataKeyPlan     MetadataKey = "plan"
	MetadataKeySource   MetadataKey = "source"
	MetadataKeyCampaign MetadataKey = "campaign"
	MetadataKeyNote     MetadataKey = "note"
)

// Metadata maps typed keys to values.
type Metadata map[MetadataKey]string

// Validate rejects unknown keys and empty values.
func (metadata Metadata) Validate() error {
	for key, value := range metadata {
		switch key {
		case MetadataKeyPlan, MetadataKeySource, MetadataKeyCampaign, MetadataKeyNote:
		default:
			return fmt.Errorf("%w: unknown key %q", ErrInvalidMetadata, key)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: empty value for key %q", ErrInvalidMetadata, key)
		}
	}
	return nil
}

// Intent tracks one payment attempt from creation to a terminal state.
// Intents are never deleted; terminal states are retained for audit.
type Intent struct {
	ID                 string
	UserID             string
	Provider           ProviderName
	ProviderIntentID   string
	AmountMinorUnits   int64
	Currency           string
	CreditsAmount      int64
	Status             Status
	StatusHistory      []StatusChange
	IdempotencyKey     string
	CreditsAdded       bool
	CreditsRefunded    bool
	FulfillmentTxID    string
	RefundTxID         string
	Metadata           Metadata
	RetryCount         int
	LastError          string
	CreatedAtUnixUTC   int64
	ExpiresAtUnixUTC   int64
	CompletedAtUnixUTC int64
}

// Terminal reports whether no further transitions are permitted, with the
// single exception of succeeded, which may still move to refunded.
func (intent Intent) Terminal() bool {
	switch intent.Status {
	case StatusFailed, StatusExpired, StatusCanceled, StatusRefunded:
		return true
	}
	return false
}

// CreateParams are the caller-supplied inputs of Create.
type CreateParams struct {
	UserID           string
	AmountMinorUnits int64
	Currency         string
	CreditsAmount    int64
	Provider         ProviderName
	Metadata         Metadata
}

// Validate checks create inputs before any side effect.
func (params CreateParams) Validate() error {
	if strings.TrimSpace(params.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidCreateParams)
	}
	if params.AmountMinorUnits <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidCreateParams)
	}
	if strings.TrimSpace(params.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidCreateParams)
	}
	if params.CreditsAmount <= 0 {
		return fmt.Errorf("%w: credits amount must be positive", ErrInvalidCreateParams)
	}
	if _, err := ParseProviderName(string(params.Provider)); err != nil {
		return err
	}
	return params.Metadata.Validate()
}

// Store is the persistence contract for payment intents. Transition updates
// are guarded by the expected current status so concurrent writers race to
// a single winner instead of clobbering each other.
type Store interface {
	InsertIntent(ctx context.Context, intent Intent) error
	GetIntent(ctx context.Context, id string) (Intent, error)
	GetByProviderIntentID(ctx context.Context, provider ProviderName, providerIntentID string) (Intent, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Intent, bool, error)
	// UpdateIntentStatus persists intent's status, history, completion time
	// and last error, guarded by WHERE status = from. Zero rows affected
	// surfaces as ErrInvalidStateTransition.
	UpdateIntentStatus(ctx context.Context, intent Intent, from Status) error
	// SetCreditsAdded flips the flag false -> true once; won=false means a
	// concurrent fulfiller already did.
	SetCreditsAdded(ctx context.Context, id string, transactionID string) (won bool, err error)
	SetCreditsRefunded(ctx context.Context, id string, transactionID string) (won bool, err error)
	IncrementRetry(ctx context.Context, id string, lastError string) error
	ListExpired(ctx context.Context, nowUnixUTC int64, limit int) ([]Intent, error)
	ListByStatus(ctx context.Context, status Status, offset, limit int) ([]Intent, error)
	ListByUserSince(ctx context.Context, userID string, sinceUnixUTC int64, limit int) ([]Intent, error)
}
