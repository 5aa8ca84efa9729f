package webhook

import "errors"

// Error values surfaced by the processor. ErrInvalidSignature maps to a
// client-class rejection; everything else is an internal failure that the
// provider is expected to retry.
var (
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrUnknownProvider       = errors.New("no verifier configured for provider")
	ErrInvalidProcessorSetup = errors.New("invalid processor config")
)
