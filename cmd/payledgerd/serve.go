package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/ledger"
	"github.com/veloraapp/payledger/pkg/payment"
	"github.com/veloraapp/payledger/pkg/webhook"
)

const (
	maxWebhookBodyBytes = 1 << 20
	shutdownTimeout     = 10 * time.Second
)

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook endpoints, and background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			return runServer(ctx, cfg, rt)
		},
	}
}

func runServer(ctx context.Context, cfg *runtimeConfig, rt *runtime) error {
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newHandler(rt),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := rt.sweeper.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("sweeper stopped", zap.Error(err))
		}
	}()
	if cfg.ReconcileInterval > 0 {
		go runReconcileLoop(ctx, cfg.ReconcileInterval, rt)
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("http server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

func runReconcileLoop(ctx context.Context, interval time.Duration, rt *runtime) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := rt.reconciler.FindDiscrepancies(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					rt.logger.Error("background reconciliation failed", zap.Error(err))
				}
				continue
			}
			if !report.Clean() {
				rt.logger.Warn("background reconciliation found discrepancies",
					zap.Int("discrepancies", len(report.Discrepancies)),
					zap.Int("payments_checked", report.PaymentsChecked),
					zap.Int("accounts_checked", report.AccountsChecked))
			}
		}
	}
}

func newHandler(rt *runtime) http.Handler {
	mux := http.NewServeMux()
	api := &apiServer{rt: rt}

	mux.HandleFunc("POST /webhooks/{provider}", api.handleWebhook)
	mux.HandleFunc("POST /v1/payments", api.handleCreatePayment)
	mux.HandleFunc("GET /v1/payments/{id}", api.handleGetPayment)
	mux.HandleFunc("POST /v1/payments/{id}/cancel", api.handleCancelPayment)
	mux.HandleFunc("POST /v1/payments/{id}/refund", api.handleRefundPayment)
	mux.HandleFunc("GET /v1/users/{id}/balance", api.handleBalance)
	mux.HandleFunc("GET /v1/users/{id}/statement", api.handleStatement)
	mux.HandleFunc("GET /v1/users/{id}/risk", api.handleRisk)
	mux.HandleFunc("GET /v1/ledger/verify", api.handleVerifyChain)
	mux.Handle("GET /metrics", rt.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})
	return mux
}

type apiServer struct {
	rt *runtime
}

func (api *apiServer) handleWebhook(writer http.ResponseWriter, request *http.Request) {
	providerName, err := payment.ParseProviderName(request.PathValue("provider"))
	if err != nil {
		writeError(writer, http.StatusNotFound, "unknown provider")
		return
	}
	signatureHeader, configured := api.rt.verifiers[providerName]
	if !configured {
		writeError(writer, http.StatusNotFound, "provider webhook not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(request.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(writer, http.StatusBadRequest, "unreadable body")
		return
	}
	outcome, err := api.rt.processor.Process(request.Context(), providerName, payload, request.Header.Get(signatureHeader))
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			writeError(writer, http.StatusBadRequest, "invalid signature")
			return
		}
		// Non-2xx makes the provider redeliver, which is what a transient
		// failure needs.
		api.rt.logger.Error("webhook processing failed",
			zap.String("provider", string(providerName)), zap.Error(err))
		writeError(writer, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{
		"status":    string(outcome.Status),
		"event_id":  outcome.EventID,
		"intent_id": outcome.IntentID,
	})
}

type createPaymentRequest struct {
	UserID           string               `json:"user_id"`
	AmountMinorUnits int64                `json:"amount_minor_units"`
	Currency         string               `json:"currency"`
	CreditsAmount    int64                `json:"credits_amount"`
	Provider         payment.ProviderName `json:"provider"`
	Metadata         payment.Metadata     `json:"metadata,omitempty"`
}

func (api *apiServer) handleCreatePayment(writer http.ResponseWriter, request *http.Request) {
	var body createPaymentRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid json")
		return
	}
	intent, err := api.rt.payments.Create(request.Context(), payment.CreateParams{
		UserID:           body.UserID,
		AmountMinorUnits: body.AmountMinorUnits,
		Currency:         body.Currency,
		CreditsAmount:    body.CreditsAmount,
		Provider:         body.Provider,
		Metadata:         body.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidCreateParams),
			errors.Is(err, payment.ErrInvalidProvider),
			errors.Is(err, payment.ErrInvalidMetadata):
			writeError(writer, http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrProviderUnavailable):
			writeError(writer, http.StatusBadGateway, err.Error())
		default:
			api.rt.logger.Error("create payment failed", zap.Error(err))
			writeError(writer, http.StatusInternalServerError, "create failed")
		}
		return
	}
	writeJSON(writer, http.StatusCreated, intentResponse(intent))
}

func (api *apiServer) handleGetPayment(writer http.ResponseWriter, request *http.Request) {
	intent, err := api.rt.payments.Get(request.Context(), request.PathValue("id"))
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			writeError(writer, http.StatusNotFound, "intent not found")
			return
		}
		writeError(writer, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(writer, http.StatusOK, intentResponse(intent))
}

func (api *apiServer) handleCancelPayment(writer http.ResponseWriter, request *http.Request) {
	intent, err := api.rt.payments.Cancel(request.Context(), request.PathValue("id"), "canceled by request")
	if err != nil {
		writeIntentMutationError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, intentResponse(intent))
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (api *apiServer) handleRefundPayment(writer http.ResponseWriter, request *http.Request) {
	var body refundRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(writer, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Reason == "" {
		body.Reason = "refund requested"
	}
	if _, err := api.rt.payments.Refund(request.Context(), request.PathValue("id"), body.Reason); err != nil {
		switch {
		case errors.Is(err, payment.ErrIntentNotFound):
			writeError(writer, http.StatusNotFound, "intent not found")
		case errors.Is(err, payment.ErrAlreadyRefunded),
			errors.Is(err, payment.ErrRefundPrecondition),
			errors.Is(err, payment.ErrInvalidStateTransition):
			writeError(writer, http.StatusConflict, err.Error())
		default:
			api.rt.logger.Error("refund failed", zap.Error(err))
			writeError(writer, http.StatusInternalServerError, "refund failed")
		}
		return
	}
	intent, err := api.rt.payments.Get(request.Context(), request.PathValue("id"))
	if err != nil {
		writeError(writer, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(writer, http.StatusOK, intentResponse(intent))
}

func (api *apiServer) handleBalance(writer http.ResponseWriter, request *http.Request) {
	userID := request.PathValue("id")
	balance, err := api.rt.credits.Balance(request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidUserID) {
			writeError(writer, http.StatusBadRequest, "invalid user id")
			return
		}
		writeError(writer, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

func (api *apiServer) handleStatement(writer http.ResponseWriter, request *http.Request) {
	userID, err := ledger.NewUserID(request.PathValue("id"))
	if err != nil {
		writeError(writer, http.StatusBadRequest, "invalid user id")
		return
	}
	from := queryInt64(request, "from")
	to := queryInt64(request, "to")
	limit := int(queryInt64(request, "limit"))
	rows, err := api.rt.journal.Statement(request.Context(), userID, from, to, limit)
	if err != nil {
		writeError(writer, http.StatusInternalServerError, "statement failed")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"user_id": userID.String(),
		"rows":    rows,
	})
}

func (api *apiServer) handleRisk(writer http.ResponseWriter, request *http.Request) {
	assessment, err := api.rt.fraud.Score(request.Context(), request.PathValue("id"))
	if err != nil {
		writeError(writer, http.StatusInternalServerError, "risk scoring failed")
		return
	}
	writeJSON(writer, http.StatusOK, assessment)
}

func (api *apiServer) handleVerifyChain(writer http.ResponseWriter, request *http.Request) {
	report, err := api.rt.journal.VerifyChainIntegrity(request.Context())
	if err != nil {
		writeError(writer, http.StatusInternalServerError, "verification failed")
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(writer, status, report)
}

func intentResponse(intent payment.Intent) map[string]any {
	return map[string]any{
		"id":                 intent.ID,
		"user_id":            intent.UserID,
		"provider":           string(intent.Provider),
		"provider_intent_id": intent.ProviderIntentID,
		"amount_minor_units": intent.AmountMinorUnits,
		"currency":           intent.Currency,
		"credits_amount":     intent.CreditsAmount,
		"status":             intent.Status.String(),
		"status_history":     intent.StatusHistory,
		"credits_added":      intent.CreditsAdded,
		"credits_refunded":   intent.CreditsRefunded,
		"retry_count":        intent.RetryCount,
		"last_error":         intent.LastError,
		"created_at":         intent.CreatedAtUnixUTC,
		"expires_at":         intent.ExpiresAtUnixUTC,
		"completed_at":       intent.CompletedAtUnixUTC,
	}
}

func writeIntentMutationError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrIntentNotFound):
		writeError(writer, http.StatusNotFound, "intent not found")
	case errors.Is(err, payment.ErrInvalidStateTransition):
		writeError(writer, http.StatusConflict, err.Error())
	default:
		writeError(writer, http.StatusInternalServerError, "update failed")
	}
}

func queryInt64(request *http.Request, name string) int64 {
	raw := request.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]string{"error": message})
}
