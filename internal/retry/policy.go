package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
)

// SendFunc performs one delivery attempt. A returned error is treated as a
// transport-level failure and is always retryable; a non-nil SendResult
// classifies itself via ShouldRetry.
type SendFunc func(ctx context.Context) (*models.SendResult, error)

// Policy controls the send retry loop. MaxRetries counts additional
// attempts after the first, so a send runs at most MaxRetries+1 times.
// Delay before retry n (1-based) is DelayBase * 2^(n-1), with no cap and
// no jitter: delivery order per target matters more than thundering-herd
// smoothing for a single-tenant gateway.
type Policy struct {
	MaxRetries int
	DelayBase  time.Duration
}

// DefaultPolicy returns the stock policy: 3 retries, 1s base delay
// (1s, 2s, 4s).
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, DelayBase: time.Second}
}

// Do runs send under the policy. It returns the first successful result,
// the first non-retryable failure, or a MAX_RETRIES_EXCEEDED result
// wrapping the last error once the budget is exhausted. Context
// cancellation aborts between attempts and during backoff.
func (p Policy) Do(ctx context.Context, logger *logrus.Logger, send SendFunc) *models.SendResult {
	maxAttempts := p.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *models.SendResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.SendFailure(models.ErrCodeCancelled, err.Error(), false)
		}

		result, err := send(ctx)
		if err != nil {
			result = models.SendFailure(models.ErrCodeNetworkError, err.Error(), true)
		}
		if result == nil {
			result = models.SendFailure(models.ErrCodePlatformError, "send returned no result", true)
		}

		if result.Success {
			return result
		}
		if !result.ShouldRetry {
			return result
		}

		last = result

		if attempt == maxAttempts {
			break
		}

		delay := p.backoff(attempt)
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"attempt":    attempt,
				"max":        maxAttempts,
				"delay":      delay.String(),
				"error_code": result.ErrorCode,
			}).Warn("Send attempt failed, retrying")
		}

		select {
		case <-ctx.Done():
			return models.SendFailure(models.ErrCodeCancelled, ctx.Err().Error(), false)
		case <-time.After(delay):
		}
	}

	msg := fmt.Sprintf("send failed after %d attempts", maxAttempts)
	if last != nil && last.ErrorMessage != "" {
		msg = fmt.Sprintf("%s: %s", msg, last.ErrorMessage)
	}
	return models.SendFailure(models.ErrCodeMaxRetriesExceeded, msg, false)
}

// backoff returns the delay before the retry that follows attempt
// (1-based): DelayBase doubled attempt-1 times.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.DelayBase
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
