package credits

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	PackageID string
	BookingID string
	Reference string
	Credits   int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRetryAttempts bounds the compare-and-swap retry loop.
func WithRetryAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.retryAttempts = attempts
		}
	}
}

// WithRetryDelay sets the fixed delay between swap retries.
func WithRetryDelay(delay time.Duration) ServiceOption {
	return func(service *Service) {
		if delay >= 0 {
			service.retryDelay = delay
		}
	}
}
