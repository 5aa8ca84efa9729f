package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/veloraapp/payledger/pkg/payment"
)

const (
	errorSubjectIntent = "intent"
	errorCodeUpdate    = "update"
	errorCodeSetFlag   = "set_flag"
	errorCodeMarshal   = "marshal"
	errorCodeUnmarshal = "unmarshal"
	emptyJSONObject    = "{}"
	emptyJSONArray     = "[]"
)

// IntentStore implements payment.Store using GORM.
type IntentStore struct {
	db *gorm.DB
}

// NewIntentStore returns an IntentStore backed by gorm.DB.
func NewIntentStore(db *gorm.DB) *IntentStore {
	return &IntentStore{db: db}
}

func (store *IntentStore) InsertIntent(ctx context.Context, intent payment.Intent) error {
	row, err := intentToRow(intent)
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeMarshal, err)
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeInsert, err)
	}
	return nil
}

func (store *IntentStore) GetIntent(ctx context.Context, id string) (payment.Intent, error) {
	var row PaymentIntent
	err := store.db.WithContext(ctx).
		Where("intent_id = ?", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, payment.ErrIntentNotFound)
	}
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	return rowToIntent(row)
}

func (store *IntentStore) GetByProviderIntentID(ctx context.Context, provider payment.ProviderName, providerIntentID string) (payment.Intent, error) {
	var row PaymentIntent
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_intent_id = ?", string(provider), providerIntentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, payment.ErrIntentNotFound)
	}
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	return rowToIntent(row)
}

func (store *IntentStore) FindByIdempotencyKey(ctx context.Context, key string) (payment.Intent, bool, error) {
	var row PaymentIntent
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Intent{}, false, nil
	}
	if err != nil {
		return payment.Intent{}, false, wrapStoreError(errorSubjectIntent, errorCodeLookup, err)
	}
	intent, err := rowToIntent(row)
	if err != nil {
		return payment.Intent{}, false, err
	}
	return intent, true, nil
}

// UpdateIntentStatus persists the transition guarded by the expected current
// status. Zero rows affected means a concurrent writer moved the intent
// first.
func (store *IntentStore) UpdateIntentStatus(ctx context.Context, intent payment.Intent, from payment.Status) error {
	historyJSON, err := json.Marshal(intent.StatusHistory)
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeMarshal, err)
	}
	updates := map[string]interface{}{
		"status":         intent.Status.String(),
		"status_history": datatypes.JSON(historyJSON),
		"last_error":     intent.LastError,
	}
	if intent.CompletedAtUnixUTC != 0 {
		completedAt := time.Unix(intent.CompletedAtUnixUTC, 0).UTC()
		updates["completed_at"] = &completedAt
	}
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("intent_id = ? AND status = ?", intent.ID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, payment.ErrInvalidStateTransition)
	}
	return nil
}

func (store *IntentStore) SetCreditsAdded(ctx context.Context, id string, transactionID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("intent_id = ? AND credits_added = ?", id, false).
		Updates(map[string]interface{}{
			"credits_added":     true,
			"fulfillment_tx_id": transactionID,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectIntent, errorCodeSetFlag, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *IntentStore) SetCreditsRefunded(ctx context.Context, id string, transactionID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("intent_id = ? AND credits_refunded = ?", id, false).
		Updates(map[string]interface{}{
			"credits_refunded": true,
			"refund_tx_id":     transactionID,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectIntent, errorCodeSetFlag, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *IntentStore) IncrementRetry(ctx context.Context, id string, lastError string) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("intent_id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  lastError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdate, payment.ErrIntentNotFound)
	}
	return nil
}

// ListExpired returns intents past their expiry that are still in a
// non-terminal, pre-success state.
func (store *IntentStore) ListExpired(ctx context.Context, nowUnixUTC int64, limit int) ([]payment.Intent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("expires_at <= ?", time.Unix(nowUnixUTC, 0).UTC()).
		Where("status IN ?", []string{
			payment.StatusPending.String(),
			payment.StatusProcessing.String(),
			payment.StatusRequiresAction.String(),
		}).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return rowsToIntents(rows)
}

func (store *IntentStore) ListByStatus(ctx context.Context, status payment.Status, offset, limit int) ([]payment.Intent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("created_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return rowsToIntents(rows)
}

func (store *IntentStore) ListByUserSince(ctx context.Context, userID string, sinceUnixUTC int64, limit int) ([]payment.Intent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, time.Unix(sinceUnixUTC, 0).UTC()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return rowsToIntents(rows)
}

func intentToRow(intent payment.Intent) (PaymentIntent, error) {
	historyJSON, err := json.Marshal(intent.StatusHistory)
	if err != nil {
		return PaymentIntent{}, err
	}
	if intent.StatusHistory == nil {
		historyJSON = []byte(emptyJSONArray)
	}
	metadataJSON, err := json.Marshal(intent.Metadata)
	if err != nil {
		return PaymentIntent{}, err
	}
	if intent.Metadata == nil {
		metadataJSON = []byte(emptyJSONObject)
	}
	row := PaymentIntent{
		IntentID:         intent.ID,
		UserID:           intent.UserID,
		Provider:         string(intent.Provider),
		ProviderIntentID: intent.ProviderIntentID,
		AmountMinorUnits: intent.AmountMinorUnits,
		Currency:         intent.Currency,
		CreditsAmount:    intent.CreditsAmount,
		Status:           intent.Status.String(),
		StatusHistory:    datatypes.JSON(historyJSON),
		IdempotencyKey:   intent.IdempotencyKey,
		CreditsAdded:     intent.CreditsAdded,
		CreditsRefunded:  intent.CreditsRefunded,
		FulfillmentTxID:  intent.FulfillmentTxID,
		RefundTxID:       intent.RefundTxID,
		Metadata:         datatypes.JSON(metadataJSON),
		RetryCount:       intent.RetryCount,
		LastError:        intent.LastError,
		CreatedAt:        time.Unix(intent.CreatedAtUnixUTC, 0).UTC(),
		ExpiresAt:        time.Unix(intent.ExpiresAtUnixUTC, 0).UTC(),
	}
	if intent.CompletedAtUnixUTC != 0 {
		completedAt := time.Unix(intent.CompletedAtUnixUTC, 0).UTC()
		row.CompletedAt = &completedAt
	}
	return row, nil
}

func rowsToIntents(rows []PaymentIntent) ([]payment.Intent, error) {
	intents := make([]payment.Intent, 0, len(rows))
	for _, row := range rows {
		intent, err := rowToIntent(row)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func rowToIntent(row PaymentIntent) (payment.Intent, error) {
	provider, err := payment.ParseProviderName(row.Provider)
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	status, err := payment.ParseStatus(row.Status)
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	var history []payment.StatusChange
	if len(row.StatusHistory) > 0 {
		if err := json.Unmarshal(row.StatusHistory, &history); err != nil {
			return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeUnmarshal, err)
		}
	}
	var metadata payment.Metadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeUnmarshal, err)
		}
	}
	intent := payment.Intent{
		ID:               row.IntentID,
		UserID:           row.UserID,
		Provider:         provider,
		ProviderIntentID: row.ProviderIntentID,
		AmountMinorUnits: row.AmountMinorUnits,
		Currency:         row.Currency,
		CreditsAmount:    row.CreditsAmount,
		Status:           status,
		StatusHistory:    history,
		IdempotencyKey:   row.IdempotencyKey,
		CreditsAdded:     row.CreditsAdded,
		CreditsRefunded:  row.CreditsRefunded,
		FulfillmentTxID:  row.FulfillmentTxID,
		RefundTxID:       row.RefundTxID,
		Metadata:         metadata,
		RetryCount:       row.RetryCount,
		LastError:        row.LastError,
		CreatedAtUnixUTC: row.CreatedAt.Unix(),
		ExpiresAtUnixUTC: row.ExpiresAt.Unix(),
	}
	if row.CompletedAt != nil {
		intent.CompletedAtUnixUTC = row.CompletedAt.Unix()
	}
	return intent, nil
}
