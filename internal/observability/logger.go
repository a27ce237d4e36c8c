// Package observability connects ledger events to zap and Prometheus.
package observability

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger implements ledger.OperationLogger.
type ZapOperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewZapOperationLogger wraps logger; metrics may be nil.
func NewZapOperationLogger(logger *zap.Logger, metrics *Metrics) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger, metrics: metrics}
}

// LogOperation logs rejected unbalanced transactions at error level since they point at a bug.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if operationLogger.metrics != nil {
		operationLogger.metrics.ObserveOperation(entry.Operation, entry.Status)
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if len(entry.AccountIDs) > 0 {
		accounts := make([]string, 0, len(entry.AccountIDs))
		for _, accountID := range entry.AccountIDs {
			accounts = append(accounts, accountID.String())
		}
		fields = append(fields, zap.Strings("accounts", accounts))
	}
	if len(entry.EntryTypes) > 0 {
		types := make([]string, 0, len(entry.EntryTypes))
		for _, entryType := range entry.EntryTypes {
			types = append(types, entryType.String())
		}
		fields = append(fields, zap.Strings("entry_types", types))
	}
	if entry.Volume != 0 {
		fields = append(fields, zap.Int64("volume_sats", entry.Volume.Int64()))
	}

	switch {
	case entry.Error == nil:
		operationLogger.logger.Info("ledger operation", fields...)
	case errors.Is(entry.Error, ledger.ErrUnbalancedTransaction):
		operationLogger.logger.Error("unbalanced transaction rejected", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	}
}
