package repository

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/logging"
)

// executeWithRetry runs fn, retrying transient failures with capped
// exponential backoff. Every returned error is an *logging.OperationError.
func (r *DiagnosticRepository) executeWithRetry(ctx context.Context, operation, recordID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, recordID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, recordID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, recordID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, recordID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, recordID, err)
}
