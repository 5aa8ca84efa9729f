package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	defaultAppendMaxRetries = 5
	defaultAppendRetryBase  = 25 * time.Millisecond
	defaultVerifyBatchSize  = 500
	defaultFindEntriesLimit = 100
	maxFindEntriesLimit     = 1000
)

// Service contains the journal logic over a Store.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	appendMaxRetries uint64
	appendRetryBase  time.Duration
	verifyBatchSize  int
}

// NewService wires a Service.
func NewService(backing Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if backing == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            backing,
		nowFn:            now,
		appendMaxRetries: defaultAppendMaxRetries,
		appendRetryBase:  defaultAppendRetryBase,
		verifyBatchSize:  defaultVerifyBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Append assigns the next sequence number, links and hashes the draft, and
// persists it together with the balance deltas it implies, all in one store
// transaction. A draft whose idempotency key was already appended returns
// the existing entry unchanged. Sequence races surface as ErrChainConflict
// from the store and are retried here with exponential backoff.
func (service *Service) Append(ctx context.Context, draft Draft) (Entry, error) {
	var appended Entry
	operationError := func() error {
		if err := draft.Validate(); err != nil {
			return err
		}
		backoff := retry.WithMaxRetries(service.appendMaxRetries, retry.NewExponential(service.appendRetryBase))
		return retry.Do(ctx, backoff, func(ctx context.Context) error {
			entry, err := service.appendOnce(ctx, draft)
			if errors.Is(err, ErrChainConflict) || errors.Is(err, ErrDuplicateIdempotencyKey) {
				// Another appender won the sequence slot, or a concurrent
				// retry of the same logical operation landed first. Both
				// resolve on the next attempt: the idempotency lookup then
				// observes the winner.
				return retry.RetryableError(err)
			}
			if err != nil {
				return err
			}
			appended = entry
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationAppend,
		Account:        draft.CreditAccount,
		Amount:         draft.Amount,
		EntryType:      draft.EntryType,
		ReferenceID:    draft.ReferenceID,
		IdempotencyKey: draft.IdempotencyKey,
		Error:          operationError,
	})
	return appended, operationError
}

func (service *Service) appendOnce(ctx context.Context, draft Draft) (Entry, error) {
	var result Entry
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		existing, found, err := txStore.FindByIdempotencyKey(ctx, draft.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			result = existing
			return nil
		}
		if draft.EnforceDebitBalance {
			balance, err := txStore.AccountBalance(ctx, draft.DebitAccount)
			if err != nil {
				return err
			}
			if balance < draft.Amount {
				return ErrInsufficientFunds
			}
		}
		head, err := txStore.ChainHead(ctx)
		if err != nil {
			return err
		}
		sequenceNumber := int64(1)
		previousHash := GenesisHash
		if head.Exists {
			sequenceNumber = head.SequenceNumber + 1
			previousHash = head.EntryHash
		}
		entry := Entry{
			ID:               uuid.NewString(),
			SequenceNumber:   sequenceNumber,
			DebitAccount:     draft.DebitAccount,
			CreditAccount:    draft.CreditAccount,
			Amount:           draft.Amount,
			Currency:         draft.Currency,
			EntryType:        draft.EntryType,
			ReferenceID:      draft.ReferenceID,
			ReferenceType:    draft.ReferenceType,
			IdempotencyKey:   draft.IdempotencyKey,
			PreviousHash:     previousHash,
			CreatedAtUnixUTC: service.nowFn(),
			CreatedBy:        draft.CreatedBy,
		}
		entry.EntryHash = ComputeEntryHash(entry)
		if err := txStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		nowUnixUTC := entry.CreatedAtUnixUTC
		if err := txStore.ApplyBalanceDelta(ctx, entry.CreditAccount, entry.Amount, nowUnixUTC); err != nil {
			return err
		}
		if err := txStore.ApplyBalanceDelta(ctx, entry.DebitAccount, -entry.Amount, nowUnixUTC); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return result, nil
}

// Balance returns the materialized balance for an account. Accounts with no
// entries report zero.
func (service *Service) Balance(ctx context.Context, account Account) (int64, error) {
	if account.String() == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAccount)
	}
	return service.store.AccountBalance(ctx, account)
}

// BalanceFromEntries derives the balance for an account purely from the
// journal: credits in minus debits out. Reconciliation compares this against
// the materialized value.
func (service *Service) BalanceFromEntries(ctx context.Context, account Account) (int64, error) {
	if account.String() == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAccount)
	}
	credits, debits, err := service.store.SumAccount(ctx, account)
	if err != nil {
		return 0, err
	}
	return credits - debits, nil
}

// VerifyChainIntegrity walks every entry in sequence order, recomputing each
// hash and checking the link to its predecessor. The first defect stops the
// walk; defects are reported, never repaired.
func (service *Service) VerifyChainIntegrity(ctx context.Context) (VerifyReport, error) {
	report := VerifyReport{Valid: true}
	previousHash := GenesisHash
	previousSequence := int64(0)
	afterSequence := int64(0)
	for {
		batch, err := service.store.ListBySequence(ctx, afterSequence, service.verifyBatchSize)
		if err != nil {
			return VerifyReport{}, err
		}
		if len(batch) == 0 {
			return report, nil
		}
		for _, entry := range batch {
			report.EntriesChecked++
			if entry.SequenceNumber != previousSequence+1 {
				return brokenAt(report, entry, BreakSequenceGap), nil
			}
			if entry.PreviousHash != previousHash {
				return brokenAt(report, entry, BreakLinkMismatch), nil
			}
			if !entry.Verify() {
				return brokenAt(report, entry, BreakHashMismatch), nil
			}
			previousHash = entry.EntryHash
			previousSequence = entry.SequenceNumber
		}
		afterSequence = previousSequence
	}
}

func brokenAt(report VerifyReport, entry Entry, reason ChainBreakReason) VerifyReport {
	report.Valid = false
	report.BreakSequence = entry.SequenceNumber
	report.BreakEntryID = entry.ID
	report.Reason = reason
	return report
}

// FindEntries lists journal entries matching the filter, newest first.
func (service *Service) FindEntries(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrInvalidFilter)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultFindEntriesLimit
	}
	if filter.Limit > maxFindEntriesLimit {
		filter.Limit = maxFindEntriesLimit
	}
	return service.store.ListEntries(ctx, filter)
}

// Accounts lists every account the journal has touched.
func (service *Service) Accounts(ctx context.Context) ([]Account, error) {
	return service.store.ListAccounts(ctx)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
