// Package oplog adapts the credit service's operation callback onto zap.
package oplog

import (
	"context"

	"github.com/studiorooms/credits/pkg/credits"
	"go.uber.org/zap"
)

// ZapLogger writes one structured log line per ledger operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps a zap logger as a credits.OperationLogger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger. Failed operations log at
// error level; degraded outcomes such as suppressed duplicates or audit-trail
// gaps log at warn so reconciliation alerts can key off them.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	if zapLogger == nil || zapLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("credits", entry.Credits),
		zap.String("status", entry.Status),
	}
	if entry.PackageID != "" {
		fields = append(fields, zap.String("package_id", entry.PackageID))
	}
	if entry.BookingID != "" {
		fields = append(fields, zap.String("booking_id", entry.BookingID))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	switch {
	case entry.Error != nil:
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Error("ledger operation failed", fields...)
	case entry.Status != "ok":
		zapLogger.logger.Warn("ledger operation degraded", fields...)
	default:
		zapLogger.logger.Info("ledger operation", fields...)
	}
}

type teeLogger struct {
	loggers []credits.OperationLogger
}

// Tee fans an operation log out to every given logger.
func Tee(loggers ...credits.OperationLogger) credits.OperationLogger {
	return &teeLogger{loggers: loggers}
}

func (tee *teeLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	for _, logger := range tee.loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
