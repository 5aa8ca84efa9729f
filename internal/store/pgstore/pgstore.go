// Package pgstore implements the journal store directly on pgx for
// PostgreSQL deployments. It operates on the same tables gormstore
// migrates, so the two can share a database.
package pgstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veloraapp/payledger/pkg/ledger"
)

const (
	constraintLedgerSequence = "uniq_ledger_sequence"
	constraintLedgerIdem     = "uniq_ledger_idem"
	pgUniqueViolationCode    = "23505"

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectHead        = "head"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeConflict       = "conflict"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpsert         = "upsert"

	sqlSelectChainHead = `
		select sequence_number, entry_hash
		from ledger_entries
		order by sequence_number desc
		limit 1
		for update
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, sequence_number, debit_account, credit_account, amount,
			currency, entry_type, reference_id, reference_type,
			idempotency_key, entry_hash, previous_hash, created_by, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, to_timestamp($14))
	`

	sqlSelectByIdempotencyKey = `
		select ` + entryColumns + `
		from ledger_entries
		where idempotency_key = $1
	`

	sqlUpsertBalanceDelta = `
		insert into account_balances(account, balance, updated_at)
		values($1, $2, to_timestamp($3))
		on conflict (account) do update
		set balance = account_balances.balance + excluded.balance,
		    updated_at = excluded.updated_at
	`

	sqlSelectBalance = `
		select balance from account_balances where account = $1
	`

	sqlSumAccount = `
		select
			coalesce(sum(amount) filter (where credit_account = $1), 0),
			coalesce(sum(amount) filter (where debit_account = $1), 0)
		from ledger_entries
		where credit_account = $1 or debit_account = $1
	`

	sqlListBySequence = `
		select ` + entryColumns + `
		from ledger_entries
		where sequence_number > $1
		order by sequence_number asc
		limit $2
	`

	sqlListAccounts = `
		select account from account_balances order by account asc
	`

	entryColumns = `
		entry_id::text,
		sequence_number,
		debit_account,
		credit_account,
		amount,
		currency,
		entry_type,
		coalesce(reference_id,''),
		coalesce(reference_type,''),
		idempotency_key,
		entry_hash,
		previous_hash,
		coalesce(created_by,''),
		extract(epoch from created_at)::bigint
	`
)

// querier is the surface shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using pgx. Outside a transaction it runs
// in autocommit against the pool; WithTx hands callbacks a Store bound to
// the open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) ChainHead(ctx context.Context) (ledger.Head, error) {
	var head ledger.Head
	err := store.db.QueryRow(ctx, sqlSelectChainHead).Scan(&head.SequenceNumber, &head.EntryHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Head{}, nil
	}
	if err != nil {
		return ledger.Head{}, wrapStoreError(errorSubjectHead, errorCodeGet, err)
	}
	head.Exists = true
	return head, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.ID,
		entry.SequenceNumber,
		entry.DebitAccount.String(),
		entry.CreditAccount.String(),
		entry.Amount,
		string(entry.Currency),
		entry.EntryType.String(),
		entry.ReferenceID,
		entry.ReferenceType,
		entry.IdempotencyKey.String(),
		entry.EntryHash,
		entry.PreviousHash,
		entry.CreatedBy,
		entry.CreatedAtUnixUTC,
	)
	if isUniqueViolation(err, constraintLedgerIdem) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if isUniqueViolation(err, constraintLedgerSequence) {
		return wrapStoreError(errorSubjectEntry, errorCodeConflict, ledger.ErrChainConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, bool, error) {
	row := store.db.QueryRow(ctx, sqlSelectByIdempotencyKey, key.String())
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, account ledger.Account, delta int64, atUnixUTC int64) error {
	_, err := store.db.Exec(ctx, sqlUpsertBalanceDelta, account.String(), delta, atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) AccountBalance(ctx context.Context, account ledger.Account) (int64, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, account.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (store *Store) SumAccount(ctx context.Context, account ledger.Account) (int64, int64, error) {
	var credits, debits int64
	err := store.db.QueryRow(ctx, sqlSumAccount, account.String()).Scan(&credits, &debits)
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return credits, debits, nil
}

func (store *Store) ListEntries(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	query, args := buildFilterQuery(filter)
	rows, err := store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListBySequence(ctx context.Context, afterSequence int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListBySequence, afterSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := store.db.Query(ctx, sqlListAccounts)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]ledger.Account, 0, 8)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
		}
		account, err := ledger.NewAccount(name)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return accounts, nil
}

func buildFilterQuery(filter ledger.Filter) (string, []any) {
	query := `select ` + entryColumns + ` from ledger_entries where 1=1`
	args := make([]any, 0, 6)
	next := func(value any) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Account != nil {
		placeholder := next(filter.Account.String())
		query += ` and (debit_account = ` + placeholder + ` or credit_account = ` + placeholder + `)`
	}
	if filter.ReferenceID != "" {
		query += ` and reference_id = ` + next(filter.ReferenceID)
	}
	if filter.EntryType != nil {
		query += ` and entry_type = ` + next(filter.EntryType.String())
	}
	if filter.FromUnixUTC != 0 {
		query += ` and created_at >= to_timestamp(` + next(filter.FromUnixUTC) + `)`
	}
	if filter.ToUnixUTC != 0 {
		query += ` and created_at < to_timestamp(` + next(filter.ToUnixUTC) + `)`
	}
	query += ` order by sequence_number desc limit ` + next(filter.Limit)
	query += ` offset ` + next(filter.Offset)
	return query, args
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		entryIDValue       string
		sequenceNumber     int64
		debitAccountValue  string
		creditAccountValue string
		amount             int64
		currencyValue      string
		entryTypeValue     string
		referenceID        string
		referenceType      string
		idempotencyValue   string
		entryHash          string
		previousHash       string
		createdBy          string
		createdAtUnixUTC   int64
	)
	if err := row.Scan(
		&entryIDValue,
		&sequenceNumber,
		&debitAccountValue,
		&creditAccountValue,
		&amount,
		&currencyValue,
		&entryTypeValue,
		&referenceID,
		&referenceType,
		&idempotencyValue,
		&entryHash,
		&previousHash,
		&createdBy,
		&createdAtUnixUTC,
	); err != nil {
		return ledger.Entry{}, err
	}
	debitAccount, err := ledger.NewAccount(debitAccountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	creditAccount, err := ledger.NewAccount(creditAccountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(entryTypeValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	currency, err := ledger.NewCurrency(currencyValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:               entryIDValue,
		SequenceNumber:   sequenceNumber,
		DebitAccount:     debitAccount,
		CreditAccount:    creditAccount,
		Amount:           amount,
		Currency:         currency,
		EntryType:        entryType,
		ReferenceID:      referenceID,
		ReferenceType:    referenceType,
		IdempotencyKey:   idempotencyKey,
		EntryHash:        entryHash,
		PreviousHash:     previousHash,
		CreatedAtUnixUTC: createdAtUnixUTC,
		CreatedBy:        createdBy,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
