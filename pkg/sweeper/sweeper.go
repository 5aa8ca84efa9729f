// Package sweeper terminates payment intents that sat in a non-terminal
// state past their expiry without a resolving webhook.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/payment"
)

const (
	defaultBatchSize = 100
	expiryReason     = "timeout"
)

// ExpiredRecorder counts swept intents.
type ExpiredRecorder interface {
	RecordExpired(count int)
}

// Sweeper expires stale intents in bounded batches. Re-running it when
// nothing is expired is a no-op, so overlapping schedules across instances
// are harmless.
type Sweeper struct {
	payments  *payment.Service
	intents   payment.Store
	nowFn     func() int64
	logger    *zap.Logger
	recorder  ExpiredRecorder
	batchSize int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(sweeper *Sweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// WithBatchSize bounds how many intents one sweep invocation touches.
func WithBatchSize(size int) Option {
	return func(sweeper *Sweeper) {
		if size > 0 {
			sweeper.batchSize = size
		}
	}
}

// WithExpiredRecorder wires sweep metrics.
func WithExpiredRecorder(recorder ExpiredRecorder) Option {
	return func(sweeper *Sweeper) {
		sweeper.recorder = recorder
	}
}

// New wires a Sweeper.
func New(payments *payment.Service, intents payment.Store, now func() int64, options ...Option) (*Sweeper, error) {
	if payments == nil {
		return nil, fmt.Errorf("%w: payment service dependency is nil", payment.ErrInvalidServiceConfig)
	}
	if intents == nil {
		return nil, fmt.Errorf("%w: intent store dependency is nil", payment.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", payment.ErrInvalidServiceConfig)
	}
	sweeper := &Sweeper{
		payments:  payments,
		intents:   intents,
		nowFn:     now,
		logger:    zap.NewNop(),
		batchSize: defaultBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// ExpireOldIntents transitions up to batchSize overdue intents to expired
// with reason "timeout" and returns how many it moved. Intents a concurrent
// sweeper or a late webhook already resolved are skipped, not errors.
func (sweeper *Sweeper) ExpireOldIntents(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = sweeper.batchSize
	}
	stale, err := sweeper.intents.ListExpired(ctx, sweeper.nowFn(), batchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, intent := range stale {
		if _, err := sweeper.payments.MarkExpired(ctx, intent.ID, expiryReason); err != nil {
			if errors.Is(err, payment.ErrInvalidStateTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		sweeper.logger.Info("expired stale payment intents", zap.Int("count", expired))
	}
	if sweeper.recorder != nil {
		sweeper.recorder.RecordExpired(expired)
	}
	return expired, nil
}

// Run sweeps on a fixed interval until the context is canceled.
func (sweeper *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := sweeper.ExpireOldIntents(ctx, sweeper.batchSize); err != nil {
				sweeper.logger.Error("expiration sweep failed", zap.Error(err))
			}
		}
	}
}
