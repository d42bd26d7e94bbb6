package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
// LogOperation is called after the operation's transaction has finished.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	RenderID       RenderID
	Amount         Credits
	Delta          decimal.Decimal
	Applied        bool
	Balance        decimal.Decimal
	Reason         Reason
	IdempotencyKey IdempotencyKey
	Metadata       Metadata
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRetryPolicy overrides how often a conflicting operation is retried.
func WithRetryPolicy(maxAttempts uint, initialInterval time.Duration) ServiceOption {
	return func(service *Service) {
		if maxAttempts > 0 {
			service.retryAttempts = maxAttempts
		}
		if initialInterval > 0 {
			service.retryInitialInterval = initialInterval
		}
	}
}
