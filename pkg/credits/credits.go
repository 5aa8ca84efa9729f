// Package credits is the ledger-backed credit mutation surface consumed by
// payment fulfillment and refunds. Every operation is one double-entry
// append; the entry's idempotency key makes retries produce no duplicates.
package credits

import (
	"context"
	"fmt"

	"github.com/veloraapp/payledger/pkg/ledger"
)

const referenceTypePaymentIntent = "payment_intent"

// Service writes credit movements through the ledger.
type Service struct {
	journal *ledger.Service
}

// NewService wires a Service.
func NewService(journal *ledger.Service) (*Service, error) {
	if journal == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Service{journal: journal}, nil
}

// AddCredits credits a user's account from revenue. Returns the ledger entry
// id as the transaction identifier.
func (service *Service) AddCredits(ctx context.Context, userID string, amount int64, description, referenceID, idempotencyKey string) (string, error) {
	entry, err := service.append(ctx, userID, amount, ledger.EntryCreditAdd, description, referenceID, idempotencyKey, false)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// RefundCredits moves previously granted credits from the user's account to
// the refunds account.
func (service *Service) RefundCredits(ctx context.Context, userID string, amount int64, description, referenceID, idempotencyKey string) (string, error) {
	entry, err := service.append(ctx, userID, amount, ledger.EntryRefund, description, referenceID, idempotencyKey, false)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// DeductCredits spends credits out of a user's account. Fails with
// ErrInsufficientFunds before any mutation when the balance does not cover
// the amount.
func (service *Service) DeductCredits(ctx context.Context, userID string, amount int64, description, referenceID, idempotencyKey string) (string, error) {
	entry, err := service.append(ctx, userID, amount, ledger.EntryCreditDeduct, description, referenceID, idempotencyKey, true)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Balance returns the user's current credit balance.
func (service *Service) Balance(ctx context.Context, userID string) (int64, error) {
	owner, err := ledger.NewUserID(userID)
	if err != nil {
		return 0, err
	}
	return service.journal.Balance(ctx, ledger.UserCreditsAccount(owner))
}

func (service *Service) append(ctx context.Context, userID string, amount int64, entryType ledger.EntryType, description, referenceID, idempotencyKey string, enforceBalance bool) (ledger.Entry, error) {
	owner, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Entry{}, err
	}
	key, err := ledger.NewIdempotencyKey(idempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	userAccount := ledger.UserCreditsAccount(owner)
	draft := ledger.Draft{
		Amount:              amount,
		Currency:            ledger.CurrencyCredits,
		EntryType:           entryType,
		ReferenceID:         referenceID,
		ReferenceType:       referenceTypePaymentIntent,
		IdempotencyKey:      key,
		CreatedBy:           description,
		EnforceDebitBalance: enforceBalance,
	}
	switch entryType {
	case ledger.EntryCreditAdd:
		draft.DebitAccount = ledger.AccountRevenue
		draft.CreditAccount = userAccount
	case ledger.EntryRefund:
		draft.DebitAccount = userAccount
		draft.CreditAccount = ledger.AccountRefunds
	case ledger.EntryCreditDeduct:
		draft.DebitAccount = userAccount
		draft.CreditAccount = ledger.AccountSystem
	default:
		return ledger.Entry{}, fmt.Errorf("%w: %s has no credit direction", ledger.ErrInvalidEntryType, entryType)
	}
	return service.journal.Append(ctx, draft)
}
