package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/template-detector/internal/logging"
)

// redisOp is one attempt of a cache operation. attempt is 0 on the first try;
// operations that are not idempotent use it to recognise their own earlier
// write whose reply was lost.
type redisOp func(attempt int) error

func (s *Service) withRedisRetry(ctx context.Context, jobID, operation string, op redisOp) error {
	attempts := s.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, jobID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewRetryError(operation, jobID, attempt, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = op(attempt)
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) {
			break
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
		if attempt == attempts-1 {
			return logging.NewRetryError(operation, jobID, attempts, err)
		}
	}
	return logging.NewOperationError(operation, jobID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
