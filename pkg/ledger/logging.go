package ledger

import "context"

const (
	operationAppend = "append"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	Account        Account
	Amount         int64
	EntryType      EntryType
	ReferenceID    string
	IdempotencyKey IdempotencyKey
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithVerifyBatchSize overrides how many entries each chain-walk batch loads.
func WithVerifyBatchSize(size int) ServiceOption {
	return func(service *Service) {
		if size > 0 {
			service.verifyBatchSize = size
		}
	}
}
