// Package fraud scores recent payment behavior per user. The assessment is
// a read-model for admin review; nothing in this core enforces it.
package fraud

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/veloraapp/payledger/pkg/payment"
)

const (
	defaultWindowSeconds  = int64(24 * 60 * 60)
	defaultScanBatchSize  = 200
	maxScore              = 100
	velocityThreshold     = 5
	failureRatioThreshold = 0.5
	largeAmountThreshold  = int64(500000) // minor units

	signalVelocity     = "high_intent_velocity"
	signalFailureRatio = "high_failure_ratio"
	signalLargeAmount  = "unusually_large_amount"
	signalRapidRefunds = "rapid_refunds"
)

// Assessment is the scored result for one user.
type Assessment struct {
	UserID           string
	Score            int
	Signals          []string
	IntentsInWindow  int
	FailedInWindow   int
	RefundedInWindow int
}

// Service computes assessments over bounded scans of the intent store.
type Service struct {
	intents       payment.Store
	nowFn         func() int64
	logger        *zap.Logger
	windowSeconds int64
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

// WithWindow overrides the lookback window in seconds.
func WithWindow(seconds int64) Option {
	return func(service *Service) {
		if seconds > 0 {
			service.windowSeconds = seconds
		}
	}
}

// NewService wires a Service.
func NewService(intents payment.Store, now func() int64, options ...Option) (*Service, error) {
	if intents == nil {
		return nil, fmt.Errorf("%w: intent store dependency is nil", payment.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", payment.ErrInvalidServiceConfig)
	}
	service := &Service{
		intents:       intents,
		nowFn:         now,
		logger:        zap.NewNop(),
		windowSeconds: defaultWindowSeconds,
		scanBatchSize: defaultScanBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Score assesses one user's recent payment activity. Scans are bounded by
// the lookback window and batch size, never a full-collection load.
func (service *Service) Score(ctx context.Context, userID string) (Assessment, error) {
	since := service.nowFn() - service.windowSeconds
	recent, err := service.intents.ListByUserSince(ctx, userID, since, service.scanBatchSize)
	if err != nil {
		return Assessment{}, err
	}
	assessment := Assessment{UserID: userID, IntentsInWindow: len(recent)}
	var largest int64
	for _, intent := range recent {
		if intent.Status == payment.StatusFailed {
			assessment.FailedInWindow++
		}
		if intent.Status == payment.StatusRefunded {
			assessment.RefundedInWindow++
		}
		if intent.AmountMinorUnits > largest {
			largest = intent.AmountMinorUnits
		}
	}

	score := 0
	if assessment.IntentsInWindow > velocityThreshold {
		score += 30
		assessment.Signals = append(assessment.Signals, signalVelocity)
	}
	if assessment.IntentsInWindow > 0 {
		ratio := float64(assessment.FailedInWindow) / float64(assessment.IntentsInWindow)
		if ratio > failureRatioThreshold {
			score += 30
			assessment.Signals = append(assessment.Signals, signalFailureRatio)
		}
	}
	if largest > largeAmountThreshold {
		score += 20
		assessment.Signals = append(assessment.Signals, signalLargeAmount)
	}
	if assessment.RefundedInWindow > 1 {
		score += 20
		assessment.Signals = append(assessment.Signals, signalRapidRefunds)
	}
	if score > maxScore {
		score = maxScore
	}
	assessment.Score = score
	if score > 0 {
		service.logger.Info("fraud signals present",
			zap.String("user_id", userID),
			zap.Int("score", score),
			zap.Strings("signals", assessment.Signals))
	}
	return assessment, nil
}
