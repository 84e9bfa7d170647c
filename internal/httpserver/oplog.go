package httpserver

import (
	"context"

	"go.uber.org/zap"

	"github.com/pelajarin/billing/pkg/billing"
)

// zapOperationLogger adapts zap to the domain's OperationLogger callback.
type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns a billing.OperationLogger backed by zap.
func NewOperationLogger(logger *zap.Logger) billing.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.PurchaseID != "" {
		fields = append(fields, zap.String("purchase_id", entry.PurchaseID))
	}
	if entry.EntryType != "" {
		fields = append(fields, zap.String("entry_type", string(entry.EntryType)))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", int64(entry.Amount)))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("billing operation", fields...)
		return
	}
	adapter.logger.Info("billing operation", fields...)
}
