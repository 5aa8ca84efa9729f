package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/veloraapp/payledger/pkg/ledger"
)

const (
	constraintLedgerSequence = "uniq_ledger_sequence"
	constraintLedgerIdem     = "uniq_ledger_idem"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19

	errorOperationStore  = "store"
	errorSubjectEntry    = "entry"
	errorSubjectBalance  = "balance"
	errorSubjectHead     = "head"
	errorCodeConflict    = "conflict"
	errorCodeDuplicate   = "duplicate"
	errorCodeGet         = "get"
	errorCodeInsert      = "insert"
	errorCodeInvalid     = "invalid"
	errorCodeList        = "list"
	errorCodeLookup      = "lookup"
	errorCodeSum         = "sum"
	errorCodeUpsert      = "upsert"
)

// Store implements ledger.Store using GORM, against either PostgreSQL or
// SQLite through glebarez/sqlite.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// ChainHead reads the highest-sequence entry, locked FOR UPDATE so concurrent
// appenders serialize on the head instead of both building the same link.
// SQLite has no row locks and no concurrent writers; its write transaction
// already serializes appends.
func (store *Store) ChainHead(ctx context.Context) (ledger.Head, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row LedgerEntry
	err := query.
		Order("sequence_number DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Head{}, nil
	}
	if err != nil {
		return ledger.Head{}, wrapStoreError(errorSubjectHead, errorCodeGet, err)
	}
	return ledger.Head{
		SequenceNumber: row.SequenceNumber,
		EntryHash:      row.EntryHash,
		Exists:         true,
	}, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:        entry.ID,
		SequenceNumber: entry.SequenceNumber,
		DebitAccount:   entry.DebitAccount.String(),
		CreditAccount:  entry.CreditAccount.String(),
		Amount:         entry.Amount,
		Currency:       string(entry.Currency),
		EntryType:      entry.EntryType.String(),
		ReferenceID:    entry.ReferenceID,
		ReferenceType:  entry.ReferenceType,
		IdempotencyKey: entry.IdempotencyKey.String(),
		EntryHash:      entry.EntryHash,
		PreviousHash:   entry.PreviousHash,
		CreatedBy:      entry.CreatedBy,
		CreatedAt:      time.Unix(entry.CreatedAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintLedgerIdem, "idempotency_key") {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if isUniqueViolation(err, constraintLedgerSequence, "sequence_number") {
		return wrapStoreError(errorSubjectEntry, errorCodeConflict, ledger.ErrChainConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// ApplyBalanceDelta upserts the account's materialized balance. The increment
// happens in SQL so concurrent deltas compose instead of losing updates.
func (store *Store) ApplyBalanceDelta(ctx context.Context, account ledger.Account, delta int64, atUnixUTC int64) error {
	row := AccountBalance{
		Account:   account.String(),
		Balance:   delta,
		UpdatedAt: time.Unix(atUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    clause.Expr{SQL: "account_balances.balance + excluded.balance"},
				"updated_at": clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) AccountBalance(ctx context.Context, account ledger.Account) (int64, error) {
	var row AccountBalance
	err := store.db.WithContext(ctx).
		Where("account = ?", account.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return row.Balance, nil
}

func (store *Store) SumAccount(ctx context.Context, account ledger.Account) (int64, int64, error) {
	var credits sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("credit_account = ?", account.String()).
		Scan(&credits).Error
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	var debits sqlSum
	err = store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("debit_account = ?", account.String()).
		Scan(&debits).Error
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return credits.Total, debits.Total, nil
}

func (store *Store) ListEntries(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Model(&LedgerEntry{})
	if filter.Account != nil {
		query = query.Where("debit_account = ? OR credit_account = ?", filter.Account.String(), filter.Account.String())
	}
	if filter.ReferenceID != "" {
		query = query.Where("reference_id = ?", filter.ReferenceID)
	}
	if filter.EntryType != nil {
		query = query.Where("entry_type = ?", filter.EntryType.String())
	}
	if filter.FromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.ToUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.ToUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	err := query.
		Order("sequence_number DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListBySequence(ctx context.Context, afterSequence int64, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("sequence_number > ?", afterSequence).
		Order("sequence_number ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

// ListAccounts returns every account with a balance row. Both sides of every
// entry receive a delta on append, so this covers all accounts ever touched.
func (store *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	var names []string
	err := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Order("account ASC").
		Pluck("account", &names).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(names))
	for _, name := range names {
		account, err := ledger.NewAccount(name)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	debitAccount, err := ledger.NewAccount(row.DebitAccount)
	if err != nil {
		return ledger.Entry{}, err
	}
	creditAccount, err := ledger.NewAccount(row.CreditAccount)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.EntryType)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:               row.EntryID,
		SequenceNumber:   row.SequenceNumber,
		DebitAccount:     debitAccount,
		CreditAccount:    creditAccount,
		Amount:           row.Amount,
		Currency:         currency,
		EntryType:        entryType,
		ReferenceID:      row.ReferenceID,
		ReferenceType:    row.ReferenceType,
		IdempotencyKey:   idempotencyKey,
		EntryHash:        row.EntryHash,
		PreviousHash:     row.PreviousHash,
		CreatedAtUnixUTC: row.CreatedAt.Unix(),
		CreatedBy:        row.CreatedBy,
	}, nil
}

// isUniqueViolation reports whether err is a unique-constraint failure on the
// named constraint. PostgreSQL names the constraint directly; SQLite only
// reports the column in the message, so the column name disambiguates there.
func isUniqueViolation(err error, constraintName string, columnName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode &&
			strings.Contains(err.Error(), columnName)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return strings.Contains(err.Error(), columnName)
	}
	return false
}
