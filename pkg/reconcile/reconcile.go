// Package reconcile detects drift between the three independent views of
// money movement: payment intents, ledger entries, and materialized account
// balances. It is strictly read-only: discrepancies are reported for ops
// follow-up, never corrected in place.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/ledger"
	"github.com/veloraapp/payledger/pkg/payment"
)

const defaultScanBatchSize = 200

// DiscrepancyKind classifies a reported mismatch.
type DiscrepancyKind string

const (
	DiscrepancyMissingLedgerEntry DiscrepancyKind = "missing_ledger_entry"
	DiscrepancyBalanceMismatch    DiscrepancyKind = "balance_mismatch"
	DiscrepancyChainBroken        DiscrepancyKind = "chain_broken"
)

// Discrepancy is one detected divergence between views.
type Discrepancy struct {
	Kind          DiscrepancyKind
	IntentID      string
	Account       string
	ActualBalance int64
	LedgerBalance int64
	Delta         int64
	Detail        string
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	StartedAtUnixUTC  int64
	FinishedAtUnixUTC int64
	PaymentsChecked   int
	AccountsChecked   int
	Discrepancies     []Discrepancy
}

// Clean reports whether the pass found no drift.
func (report Report) Clean() bool {
	return len(report.Discrepancies) == 0
}

// BalanceCheck is the per-account comparison result.
type BalanceCheck struct {
	Account       string
	ActualBalance int64
	LedgerBalance int64
	Discrepancy   int64
}

// DiscrepancyRecorder publishes the count of open discrepancies.
type DiscrepancyRecorder interface {
	RecordDiscrepancies(count int)
}

// Service runs reconciliation passes.
type Service struct {
	journal       *ledger.Service
	intents       payment.Store
	nowFn         func() int64
	logger        *zap.Logger
	recorder      DiscrepancyRecorder
	scanBatchSize int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithScanBatchSize overrides how many intents each scan page loads.
func WithScanBatchSize(size int) Option {
	return func(service *Service) {
		if size > 0 {
			service.scanBatchSize = size
		}
	}
}

// WithDiscrepancyRecorder wires drift metrics.
func WithDiscrepancyRecorder(recorder DiscrepancyRecorder) Option {
	return func(service *Service) {
		service.recorder = recorder
	}
}

// NewService wires a Service.
func NewService(journal *ledger.Service, intents payment.Store, now func() int64, options ...Option) (*Service, error) {
	if journal == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if intents == nil {
		return nil, fmt.Errorf("%w: intent store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	service := &Service{
		journal:       journal,
		intents:       intents,
		nowFn:         now,
		logger:        zap.NewNop(),
		scanBatchSize: defaultScanBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ReconcilePaymentsVsLedger pages through every succeeded intent and asserts
// a ledger entry referencing it exists. Intents whose fulfillment vanished
// are reported as missing_ledger_entry.
func (service *Service) ReconcilePaymentsVsLedger(ctx context.Context) (Report, error) {
	report := Report{StartedAtUnixUTC: service.nowFn()}
	offset := 0
	for {
		page, err := service.intents.ListByStatus(ctx, payment.StatusSucceeded, offset, service.scanBatchSize)
		if err != nil {
			return Report{}, err
		}
		if len(page) == 0 {
			break
		}
		for _, intent := range page {
			report.PaymentsChecked++
			entries, err := service.journal.FindEntries(ctx, ledger.Filter{ReferenceID: intent.ID, Limit: 1})
			if err != nil {
				return Report{}, err
			}
			if len(entries) == 0 {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind:     DiscrepancyMissingLedgerEntry,
					IntentID: intent.ID,
					Detail:   fmt.Sprintf("succeeded intent %s has no ledger entry", intent.ID),
				})
			}
		}
		if len(page) < service.scanBatchSize {
			break
		}
		offset += len(page)
	}
	report.FinishedAtUnixUTC = service.nowFn()
	service.finish(report)
	return report, nil
}

// ReconcileAccountVsLedger recomputes one account's balance from the journal
// and compares it against the materialized value.
func (service *Service) ReconcileAccountVsLedger(ctx context.Context, account ledger.Account) (BalanceCheck, error) {
	actual, err := service.journal.Balance(ctx, account)
	if err != nil {
		return BalanceCheck{}, err
	}
	derived, err := service.journal.BalanceFromEntries(ctx, account)
	if err != nil {
		return BalanceCheck{}, err
	}
	return BalanceCheck{
		Account:       account.String(),
		ActualBalance: actual,
		LedgerBalance: derived,
		Discrepancy:   actual - derived,
	}, nil
}

// FindDiscrepancies is the full scheduled sweep: payments vs ledger, every
// known account's balance vs the journal, and a chain integrity walk.
func (service *Service) FindDiscrepancies(ctx context.Context) (Report, error) {
	report, err := service.ReconcilePaymentsVsLedger(ctx)
	if err != nil {
		return Report{}, err
	}
	accounts, err := service.journal.Accounts(ctx)
	if err != nil {
		return Report{}, err
	}
	for _, account := range accounts {
		check, err := service.ReconcileAccountVsLedger(ctx, account)
		if err != nil {
			return Report{}, err
		}
		report.AccountsChecked++
		if check.Discrepancy != 0 {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind:          DiscrepancyBalanceMismatch,
				Account:       check.Account,
				ActualBalance: check.ActualBalance,
				LedgerBalance: check.LedgerBalance,
				Delta:         check.Discrepancy,
				Detail:        fmt.Sprintf("account %s drifted by %d", check.Account, check.Discrepancy),
			})
		}
	}
	chain, err := service.journal.VerifyChainIntegrity(ctx)
	if err != nil {
		return Report{}, err
	}
	if !chain.Valid {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:   DiscrepancyChainBroken,
			Detail: fmt.Sprintf("chain broken at sequence %d: %s", chain.BreakSequence, chain.Reason),
		})
	}
	report.FinishedAtUnixUTC = service.nowFn()
	service.finish(report)
	return report, nil
}

func (service *Service) finish(report Report) {
	if service.recorder != nil {
		service.recorder.RecordDiscrepancies(len(report.Discrepancies))
	}
	if report.Clean() {
		service.logger.Info("reconciliation pass clean",
			zap.Int("payments_checked", report.PaymentsChecked),
			zap.Int("accounts_checked", report.AccountsChecked))
		return
	}
	service.logger.Warn("reconciliation found discrepancies",
		zap.Int("payments_checked", report.PaymentsChecked),
		zap.Int("accounts_checked", report.AccountsChecked),
		zap.Int("discrepancies", len(report.Discrepancies)))
}
