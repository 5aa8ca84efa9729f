package simulated

import (
	"context"
	"errors"
	"testing"

	"github.com/veloraapp/payledger/pkg/payment"
	webhookcore "github.com/veloraapp/payledger/pkg/webhook"
)

const errorMismatchMessage = "expected %v, got %v"

func TestProviderIntentLifecycle(test *testing.T) {
	test.Parallel()
	provider := New()

	created, err := provider.CreatePaymentIntent(context.Background(), payment.CreateParams{}, "intent-1")
	if err != nil {
		test.Fatalf("create intent: %v", err)
	}
	if created.ProviderIntentID != "sim_intent-1" {
		test.Fatalf(errorMismatchMessage, "sim_intent-1", created.ProviderIntentID)
	}

	status, err := provider.GetPaymentStatus(context.Background(), created.ProviderIntentID)
	if err != nil {
		test.Fatalf("get status: %v", err)
	}
	if status != payment.StatusPending {
		test.Fatalf(errorMismatchMessage, payment.StatusPending, status)
	}

	provider.SetStatus(created.ProviderIntentID, payment.StatusSucceeded)
	status, err = provider.GetPaymentStatus(context.Background(), created.ProviderIntentID)
	if err != nil {
		test.Fatalf("get status after set: %v", err)
	}
	if status != payment.StatusSucceeded {
		test.Fatalf(errorMismatchMessage, payment.StatusSucceeded, status)
	}

	if err := provider.CancelPaymentIntent(context.Background(), created.ProviderIntentID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	status, err = provider.GetPaymentStatus(context.Background(), created.ProviderIntentID)
	if err != nil {
		test.Fatalf("get status after cancel: %v", err)
	}
	if status != payment.StatusCanceled {
		test.Fatalf(errorMismatchMessage, payment.StatusCanceled, status)
	}
}

func TestProviderRejectsUnknownIntent(test *testing.T) {
	test.Parallel()
	provider := New()
	if _, err := provider.GetPaymentStatus(context.Background(), "sim_missing"); !errors.Is(err, payment.ErrProviderUnavailable) {
		test.Fatalf(errorMismatchMessage, payment.ErrProviderUnavailable, err)
	}
	if err := provider.CancelPaymentIntent(context.Background(), "sim_missing"); !errors.Is(err, payment.ErrProviderUnavailable) {
		test.Fatalf(errorMismatchMessage, payment.ErrProviderUnavailable, err)
	}
}

func TestVerifierRoundTrip(test *testing.T) {
	test.Parallel()
	verifier := NewVerifier("shared-secret")
	payload, signature, err := NewEventPayload(verifier, "payment.succeeded", "sim_intent-1", 1999, "USD")
	if err != nil {
		test.Fatalf("new event payload: %v", err)
	}

	event, err := verifier.VerifyAndParse(payload, signature)
	if err != nil {
		test.Fatalf("verify and parse: %v", err)
	}
	if event.Kind != webhookcore.KindPaymentSucceeded {
		test.Fatalf(errorMismatchMessage, webhookcore.KindPaymentSucceeded, event.Kind)
	}
	if event.ProviderIntentID != "sim_intent-1" || event.AmountMinorUnits != 1999 || event.Currency != "USD" {
		test.Fatalf("event fields lost: %+v", event)
	}
	if event.ID == "" {
		test.Fatal("event id must be set")
	}
}

func TestVerifierRejectsForgeries(test *testing.T) {
	test.Parallel()
	verifier := NewVerifier("shared-secret")
	payload, signature, err := NewEventPayload(verifier, "payment.succeeded", "sim_intent-1", 1999, "USD")
	if err != nil {
		test.Fatalf("new event payload: %v", err)
	}

	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-5] ^= 0xFF

	testCases := []struct {
		name      string
		payload   []byte
		signature string
	}{
		{name: "tampered payload", payload: tampered, signature: signature},
		{name: "wrong secret", payload: payload, signature: NewVerifier("other-secret").Sign(payload)},
		{name: "malformed signature", payload: payload, signature: "not-hex"},
		{name: "empty signature", payload: payload, signature: ""},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := verifier.VerifyAndParse(testCase.payload, testCase.signature)
			if !errors.Is(err, webhookcore.ErrInvalidSignature) {
				test.Fatalf(errorMismatchMessage, webhookcore.ErrInvalidSignature, err)
			}
		})
	}
}

func TestVerifierMapsEventTypes(test *testing.T) {
	test.Parallel()
	verifier := NewVerifier("shared-secret")
	testCases := []struct {
		eventType string
		wantKind  webhookcore.Kind
	}{
		{"payment.succeeded", webhookcore.KindPaymentSucceeded},
		{"payment.failed", webhookcore.KindPaymentFailed},
		{"payment.canceled", webhookcore.KindPaymentCanceled},
		{"payment.refunded", webhookcore.KindRefund},
		{"payment.disputed", webhookcore.KindUnknown},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.eventType, func(test *testing.T) {
			test.Parallel()
			payload, signature, err := NewEventPayload(verifier, testCase.eventType, "sim_intent-1", 1999, "USD")
			if err != nil {
				test.Fatalf("new event payload: %v", err)
			}
			event, err := verifier.VerifyAndParse(payload, signature)
			if err != nil {
				test.Fatalf("verify and parse: %v", err)
			}
			if event.Kind != testCase.wantKind {
				test.Fatalf(errorMismatchMessage, testCase.wantKind, event.Kind)
			}
		})
	}
}
