package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/ledger"
)

func newSweepCommand(cfg *runtimeConfig) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale payment intents once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			expired, err := rt.sweeper.ExpireOldIntents(ctx, batchSize)
			if err != nil {
				return err
			}
			rt.logger.Info("sweep complete", zap.Int("expired", expired))
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d intents\n", expired)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "maximum intents to expire in one pass")
	return cmd
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Cross-check payments, balances, and the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			report, err := rt.reconciler.FindDiscrepancies(ctx)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}
			if !report.Clean() {
				return fmt.Errorf("%d discrepancies found", len(report.Discrepancies))
			}
			return nil
		},
	}
}

func newVerifyChainCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain",
		Short: "Walk the full ledger chain and verify every hash link",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			report, err := rt.journal.VerifyChainIntegrity(ctx)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("chain broken at sequence %d (%s)", report.BreakSequence, report.Reason)
			}
			return nil
		},
	}
}

func newStatementCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		from  int64
		to    int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "statement <user-id>",
		Short: "Print a user's credit statement with running balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			rows, err := rt.journal.Statement(ctx, userID, from, to, limit)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(rows)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "unix start time (inclusive)")
	cmd.Flags().Int64Var(&to, "to", 0, "unix end time (exclusive)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func newExportCommand(cfg *runtimeConfig) *cobra.Command {
	var (
		format string
		from   int64
		to     int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "export <user-id>",
		Short: "Export a user's ledger entries as CSV or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			account := ledger.UserCreditsAccount(userID)
			filter := ledger.Filter{
				Account:     &account,
				FromUnixUTC: from,
				ToUnixUTC:   to,
				Limit:       limit,
			}
			switch format {
			case "csv":
				return rt.journal.ExportCSV(ctx, filter, os.Stdout)
			case "json":
				return rt.journal.ExportJSON(ctx, filter, os.Stdout)
			}
			return fmt.Errorf("unsupported format %q", format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "export format: csv or json")
	cmd.Flags().Int64Var(&from, "from", 0, "unix start time (inclusive)")
	cmd.Flags().Int64Var(&to, "to", 0, "unix end time (exclusive)")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum entries")
	return cmd
}
