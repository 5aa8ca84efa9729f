package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Account identifies one side of a double-entry movement.
type Account struct {
	value string
}

// Well-known system accounts.
var (
	AccountRevenue     = Account{value: "revenue"}
	AccountRefunds     = Account{value: "refunds"}
	AccountAdjustments = Account{value: "adjustments"}
	AccountSystem      = Account{value: "system"}
)

const userCreditsAccountPrefix = "user_credits_"

// NewAccount validates and normalizes an account identifier.
func NewAccount(raw string) (Account, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccount)
	}
	return Account{value: trimmed}, nil
}

// UserCreditsAccount returns the per-user credits account.
func UserCreditsAccount(userID UserID) Account {
	return Account{value: userCreditsAccountPrefix + userID.String()}
}

// String returns the normalized account identifier.
func (account Account) String() string {
	return account.value
}

// IsUserCredits reports whether the account is a per-user credits account.
func (account Account) IsUserCredits() bool {
	return strings.HasPrefix(account.value, userCreditsAccountPrefix)
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection for appends.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// Currency tags the unit an entry is denominated in.
type Currency string

const (
	CurrencyCredits Currency = "credits"
	CurrencyINR     Currency = "INR"
	CurrencyUSD     Currency = "USD"
)

// NewCurrency validates a currency tag.
func NewCurrency(raw string) (Currency, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidCurrency)
	}
	return Currency(trimmed), nil
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPayment      EntryType = "payment"
	EntryRefund       EntryType = "refund"
	EntryCreditAdd    EntryType = "credit_add"
	EntryCreditDeduct EntryType = "credit_deduct"
	EntryAdjustment   EntryType = "adjustment"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryPayment, EntryRefund, EntryCreditAdd, EntryCreditDeduct, EntryAdjustment:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the stable wire value.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Entry is a single immutable line in the hash-chained journal.
// Entries are never updated or deleted once appended.
type Entry struct {
	ID               string
	SequenceNumber   int64
	DebitAccount     Account
	CreditAccount    Account
	Amount           int64
	Currency         Currency
	EntryType        EntryType
	ReferenceID      string
	ReferenceType    string
	IdempotencyKey   IdempotencyKey
	EntryHash        string
	PreviousHash     string
	CreatedAtUnixUTC int64
	CreatedBy        string
}

// Draft carries the caller-supplied fields of an entry before sequencing
// and hashing happen inside Append.
type Draft struct {
	DebitAccount   Account
	CreditAccount  Account
	Amount         int64
	Currency       Currency
	EntryType      EntryType
	ReferenceID    string
	ReferenceType  string
	IdempotencyKey IdempotencyKey
	CreatedBy      string

	// EnforceDebitBalance rejects the append with ErrInsufficientFunds when
	// the debit account's materialized balance is below Amount. Used by
	// credit deduction paths; payments debiting revenue leave it unset.
	EnforceDebitBalance bool
}

// Validate checks the draft before it reaches the store.
func (draft Draft) Validate() error {
	if draft.DebitAccount.value == "" || draft.CreditAccount.value == "" {
		return fmt.Errorf("%w: both accounts are required", ErrInvalidDraft)
	}
	if draft.DebitAccount == draft.CreditAccount {
		return fmt.Errorf("%w: debit and credit accounts must differ", ErrInvalidDraft)
	}
	if draft.Amount < 0 {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidAmount)
	}
	if draft.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidCurrency)
	}
	if _, err := ParseEntryType(draft.EntryType.String()); err != nil {
		return err
	}
	if draft.IdempotencyKey.value == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidIdempotencyKey)
	}
	return nil
}

// Head describes the current end of the chain.
type Head struct {
	SequenceNumber int64
	EntryHash      string
	Exists         bool
}

// Filter narrows FindEntries scans.
type Filter struct {
	Account     *Account
	ReferenceID string
	EntryType   *EntryType
	FromUnixUTC int64
	ToUnixUTC   int64
	Limit       int
	Offset      int
}

// Store is the persistence contract used by Service. Implementations must
// guarantee a unique constraint on both sequence number and idempotency key
// so concurrent appends surface as typed conflicts, never as duplicates.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ChainHead(ctx context.Context) (Head, error)
	InsertEntry(ctx context.Context, entry Entry) error
	FindByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Entry, bool, error)
	ApplyBalanceDelta(ctx context.Context, account Account, delta int64, atUnixUTC int64) error
	AccountBalance(ctx context.Context, account Account) (int64, error)
	SumAccount(ctx context.Context, account Account) (credits int64, debits int64, err error)
	ListEntries(ctx context.Context, filter Filter) ([]Entry, error)
	ListBySequence(ctx context.Context, afterSequence int64, limit int) ([]Entry, error)
	ListAccounts(ctx context.Context) ([]Account, error)
}
