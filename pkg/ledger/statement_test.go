package ledger

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"
)

func TestStatementComputesRunningBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	owner := mustUserID(test, userIDValue)

	if _, err := service.Append(context.Background(), creditDraft(test, userIDValue, 100, "key-1")); err != nil {
		test.Fatalf("credit append: %v", err)
	}
	deduct := Draft{
		DebitAccount:        UserCreditsAccount(owner),
		CreditAccount:       AccountRevenue,
		Amount:              30,
		Currency:            CurrencyCredits,
		EntryType:           EntryCreditDeduct,
		ReferenceID:         "usage-1",
		ReferenceType:       "usage",
		IdempotencyKey:      mustIdempotencyKey(test, "deduct-1"),
		CreatedBy:           "test",
		EnforceDebitBalance: true,
	}
	if _, err := service.Append(context.Background(), deduct); err != nil {
		test.Fatalf("deduct append: %v", err)
	}

	rows, err := service.Statement(context.Background(), owner, 0, 0, 0)
	if err != nil {
		test.Fatalf("statement: %v", err)
	}
	if len(rows) != 2 {
		test.Fatalf(errorMismatchMessage, 2, len(rows))
	}
	if rows[0].Direction != directionCredit || rows[0].RunningBalance != 100 {
		test.Fatalf("expected credit row with balance 100, got %s/%d", rows[0].Direction, rows[0].RunningBalance)
	}
	if rows[1].Direction != directionDebit || rows[1].RunningBalance != 70 {
		test.Fatalf("expected debit row with balance 70, got %s/%d", rows[1].Direction, rows[1].RunningBalance)
	}
	if rows[0].SequenceNumber >= rows[1].SequenceNumber {
		test.Fatal("statement rows are not oldest first")
	}
}

func TestExportCSVWritesHeaderAndRecords(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	if _, err := service.Append(context.Background(), creditDraft(test, userIDValue, 100, "key-1")); err != nil {
		test.Fatalf("append: %v", err)
	}

	var out strings.Builder
	if err := service.ExportCSV(context.Background(), Filter{}, &out); err != nil {
		test.Fatalf("export csv: %v", err)
	}
	records, err := csv.NewReader(strings.NewReader(out.String())).ReadAll()
	if err != nil {
		test.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		test.Fatalf(errorMismatchMessage, 2, len(records))
	}
	if records[0][0] != "sequence_number" {
		test.Fatalf(errorMismatchMessage, "sequence_number", records[0][0])
	}
	if records[1][0] != "1" || records[1][4] != "100" {
		test.Fatalf("unexpected csv record: %v", records[1])
	}
}

func TestExportJSONIncludesHashes(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	entry, err := service.Append(context.Background(), creditDraft(test, userIDValue, 100, "key-1"))
	if err != nil {
		test.Fatalf("append: %v", err)
	}

	var out strings.Builder
	if err := service.ExportJSON(context.Background(), Filter{}, &out); err != nil {
		test.Fatalf("export json: %v", err)
	}
	if !strings.Contains(out.String(), entry.EntryHash) {
		test.Fatal("exported json does not contain the entry hash")
	}
	if !strings.Contains(out.String(), GenesisHash) {
		test.Fatal("exported json does not contain the genesis previous hash")
	}
}
