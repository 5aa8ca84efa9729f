package ledger

import (
	"context"
	"sort"
	"testing"
)

// stubStore is an in-memory Store with injectable failures.
type stubStore struct {
	entries  []Entry
	balances map[string]int64

	insertEntryError    error
	insertConflictCount int
	lastFilter          Filter
}

func newStubStore() *stubStore {
	return &stubStore{balances: make(map[string]int64)}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) ChainHead(context.Context) (Head, error) {
	if len(store.entries) == 0 {
		return Head{}, nil
	}
	last := store.entries[len(store.entries)-1]
	return Head{SequenceNumber: last.SequenceNumber, EntryHash: last.EntryHash, Exists: true}, nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	if store.insertConflictCount > 0 {
		store.insertConflictCount--
		return ErrChainConflict
	}
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) FindByIdempotencyKey(_ context.Context, key IdempotencyKey) (Entry, bool, error) {
	for _, entry := range store.entries {
		if entry.IdempotencyKey == key {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) ApplyBalanceDelta(_ context.Context, account Account, delta int64, _ int64) error {
	store.balances[account.String()] += delta
	return nil
}

func (store *stubStore) AccountBalance(_ context.Context, account Account) (int64, error) {
	return store.balances[account.String()], nil
}

func (store *stubStore) SumAccount(_ context.Context, account Account) (int64, int64, error) {
	var credits, debits int64
	for _, entry := range store.entries {
		if entry.CreditAccount == account {
			credits += entry.Amount
		}
		if entry.DebitAccount == account {
			debits += entry.Amount
		}
	}
	return credits, debits, nil
}

func (store *stubStore) ListEntries(_ context.Context, filter Filter) ([]Entry, error) {
	store.lastFilter = filter
	matched := make([]Entry, 0, len(store.entries))
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if filter.Account != nil && entry.DebitAccount != *filter.Account && entry.CreditAccount != *filter.Account {
			continue
		}
		if filter.ReferenceID != "" && entry.ReferenceID != filter.ReferenceID {
			continue
		}
		if filter.EntryType != nil && entry.EntryType != *filter.EntryType {
			continue
		}
		matched = append(matched, entry)
	}
	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (store *stubStore) ListBySequence(_ context.Context, afterSequence int64, limit int) ([]Entry, error) {
	matched := make([]Entry, 0, limit)
	for _, entry := range store.entries {
		if entry.SequenceNumber > afterSequence {
			matched = append(matched, entry)
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) ListAccounts(context.Context) ([]Account, error) {
	names := make([]string, 0, len(store.balances))
	for name := range store.balances {
		names = append(names, name)
	}
	sort.Strings(names)
	accounts := make([]Account, 0, len(names))
	for _, name := range names {
		account, err := NewAccount(name)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func creditDraft(test *testing.T, userID string, amount int64, key string) Draft {
	test.Helper()
	owner := mustUserID(test, userID)
	return Draft{
		DebitAccount:   AccountRevenue,
		CreditAccount:  UserCreditsAccount(owner),
		Amount:         amount,
		Currency:       CurrencyCredits,
		EntryType:      EntryCreditAdd,
		ReferenceID:    "intent-" + key,
		ReferenceType:  "payment_intent",
		IdempotencyKey: mustIdempotencyKey(test, key),
		CreatedBy:      "test",
	}
}
