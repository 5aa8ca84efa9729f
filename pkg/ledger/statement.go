package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// StatementRow is one line of a per-user statement, oldest first, with the
// running balance after the movement was applied.
type StatementRow struct {
	SequenceNumber int64     `json:"sequence_number"`
	EntryType      EntryType `json:"entry_type"`
	Amount         int64     `json:"amount"`
	Direction      string    `json:"direction"`
	Currency       Currency  `json:"currency"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	CreatedAt      string    `json:"created_at"`
	RunningBalance int64     `json:"running_balance"`
}

const (
	directionCredit = "credit"
	directionDebit  = "debit"
)

// Statement builds the movement history of a user's credits account within
// the given time range. An empty range covers the full history.
func (service *Service) Statement(ctx context.Context, userID UserID, fromUnixUTC, toUnixUTC int64, limit int) ([]StatementRow, error) {
	account := UserCreditsAccount(userID)
	entries, err := service.FindEntries(ctx, Filter{
		Account:     &account,
		FromUnixUTC: fromUnixUTC,
		ToUnixUTC:   toUnixUTC,
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	// FindEntries returns newest first; the statement reads oldest first.
	rows := make([]StatementRow, 0, len(entries))
	running := int64(0)
	for index := len(entries) - 1; index >= 0; index-- {
		entry := entries[index]
		direction := directionDebit
		delta := -entry.Amount
		if entry.CreditAccount == account {
			direction = directionCredit
			delta = entry.Amount
		}
		running += delta
		rows = append(rows, StatementRow{
			SequenceNumber: entry.SequenceNumber,
			EntryType:      entry.EntryType,
			Amount:         entry.Amount,
			Direction:      direction,
			Currency:       entry.Currency,
			ReferenceID:    entry.ReferenceID,
			CreatedAt:      time.Unix(entry.CreatedAtUnixUTC, 0).UTC().Format(time.RFC3339),
			RunningBalance: running,
		})
	}
	return rows, nil
}

var exportHeader = []string{
	"sequence_number", "entry_type", "debit_account", "credit_account",
	"amount", "currency", "reference_id", "reference_type",
	"idempotency_key", "entry_hash", "previous_hash", "created_at", "created_by",
}

// ExportCSV streams the filtered entries as CSV.
func (service *Service) ExportCSV(ctx context.Context, filter Filter, out io.Writer) error {
	entries, err := service.FindEntries(ctx, filter)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(out)
	if err := writer.Write(exportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, entry := range entries {
		record := []string{
			strconv.FormatInt(entry.SequenceNumber, 10),
			entry.EntryType.String(),
			entry.DebitAccount.String(),
			entry.CreditAccount.String(),
			strconv.FormatInt(entry.Amount, 10),
			string(entry.Currency),
			entry.ReferenceID,
			entry.ReferenceType,
			entry.IdempotencyKey.String(),
			entry.EntryHash,
			entry.PreviousHash,
			time.Unix(entry.CreatedAtUnixUTC, 0).UTC().Format(time.RFC3339),
			entry.CreatedBy,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

type exportedEntry struct {
	ID             string    `json:"id"`
	SequenceNumber int64     `json:"sequence_number"`
	DebitAccount   string    `json:"debit_account"`
	CreditAccount  string    `json:"credit_account"`
	Amount         int64     `json:"amount"`
	Currency       Currency  `json:"currency"`
	EntryType      EntryType `json:"entry_type"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	ReferenceType  string    `json:"reference_type,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	EntryHash      string    `json:"entry_hash"`
	PreviousHash   string    `json:"previous_hash"`
	CreatedAt      string    `json:"created_at"`
	CreatedBy      string    `json:"created_by,omitempty"`
}

// ExportJSON streams the filtered entries as a JSON array.
func (service *Service) ExportJSON(ctx context.Context, filter Filter, out io.Writer) error {
	entries, err := service.FindEntries(ctx, filter)
	if err != nil {
		return err
	}
	exported := make([]exportedEntry, 0, len(entries))
	for _, entry := range entries {
		exported = append(exported, exportedEntry{
			ID:             entry.ID,
			SequenceNumber: entry.SequenceNumber,
			DebitAccount:   entry.DebitAccount.String(),
			CreditAccount:  entry.CreditAccount.String(),
			Amount:         entry.Amount,
			Currency:       entry.Currency,
			EntryType:      entry.EntryType,
			ReferenceID:    entry.ReferenceID,
			ReferenceType:  entry.ReferenceType,
			IdempotencyKey: entry.IdempotencyKey.String(),
			EntryHash:      entry.EntryHash,
			PreviousHash:   entry.PreviousHash,
			CreatedAt:      time.Unix(entry.CreatedAtUnixUTC, 0).UTC().Format(time.RFC3339),
			CreatedBy:      entry.CreatedBy,
		})
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(exported)
}
