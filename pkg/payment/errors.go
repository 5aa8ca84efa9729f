package payment

import "errors"

// Domain-level error values returned by the payment service.
var (
	ErrIntentNotFound         = errors.New("payment intent not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrFulfillmentFailure     = errors.New("fulfillment failure")
	ErrRefundPrecondition     = errors.New("refund requires fulfilled credits")
	ErrAlreadyRefunded        = errors.New("credits already refunded")
	ErrInvalidProvider        = errors.New("invalid payment provider")
	ErrInvalidStatus          = errors.New("invalid intent status")
	ErrInvalidMetadata        = errors.New("invalid intent metadata")
	ErrInvalidCreateParams    = errors.New("invalid create params")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
)
