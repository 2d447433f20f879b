package observability

import (
	"context"

	"go.uber.org/zap"

	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

// OperationLogger adapts zap to the wallet's operation callback.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wires an OperationLogger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation writes one structured line per wallet operation. Failed
// operations log at warn so integrity anomalies stand out in production
// logs.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", entry.Reason.String()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("wallet operation", fields...)
		return
	}
	operationLogger.logger.Info("wallet operation", fields...)
}
