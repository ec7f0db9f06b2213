package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/models"
)

func TestPolicy_SuccessFirstAttempt(t *testing.T) {
	p := Policy{MaxRetries: 3, DelayBase: time.Millisecond}

	calls := 0
	result := p.Do(context.Background(), nil, func(ctx context.Context) (*models.SendResult, error) {
		calls++
		return models.SendSuccess("msg-1"), nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, "msg-1", result.PlatformMessageID)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetriesThenSucceeds(t *testing.T) {
	p := Policy{MaxRetries: 3, DelayBase: time.Millisecond}

	calls := 0
	result := p.Do(context.Background(), nil, func(ctx context.Context) (*models.SendResult, error) {
		calls++
		if calls < 3 {
			return models.SendFailure(models.ErrCodeRateLimited, "slow down", true), nil
		}
		return models.SendSuccess("msg-2"), nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, calls)
}

func TestPolicy_NonRetryableStopsImmediately(t *testing.T) {
	p := Policy{MaxRetries: 5, DelayBase: time.Millisecond}

	calls := 0
	result := p.Do(context.Background(), nil, func(ctx context.Context) (*models.SendResult, error) {
		calls++
		return models.SendFailure(models.ErrCodeAuthFailed, "bad token", false), nil
	})

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrCodeAuthFailed, result.ErrorCode)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ExhaustionYieldsMaxRetriesExceeded(t *testing.T) {
	p := Policy{MaxRetries: 2, DelayBase: time.Millisecond}

	calls := 0
	result := p.Do(context.Background(), nil, func(ctx context.Context) (*models.SendResult, error) {
		calls++
		return models.SendFailure(models.ErrCodeNetworkError, "connection reset", true), nil
	})

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrCodeMaxRetriesExceeded, result.ErrorCode)
	assert.Contains(t, result.ErrorMessage, "connection reset")
	assert.False(t, result.ShouldRetry)
	assert.Equal(t, 3, calls, "MaxRetries=2 means three attempts total")
}

func TestPolicy_TransportErrorIsRetryable(t *testing.T) {
	p := Policy{MaxRetries: 1, DelayBase: time.Millisecond}

	calls := 0
	result := p.Do(context.Background(), nil, func(ctx context.Context) (*models.SendResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dial tcp: i/o timeout")
		}
		return models.SendSuccess("msg-3"), nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, calls)
}

func TestPolicy_BackoffDoublesUncapped(t *testing.T) {
	p := Policy{MaxRetries: 10, DelayBase: time.Second}

	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 512*time.Second, p.backoff(10))
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	p := Policy{MaxRetries: 3, DelayBase: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := p.Do(ctx, nil, func(ctx context.Context) (*models.SendResult, error) {
		calls++
		return models.SendFailure(models.ErrCodeNetworkError, "unreachable", true), nil
	})

	assert.Equal(t, models.ErrCodeCancelled, result.ErrorCode)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextAlreadyCancelled(t *testing.T) {
	p := DefaultPolicy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := p.Do(ctx, nil, func(ctx context.Context) (*models.SendResult, error) {
		t.Fatal("send must not run with a cancelled context")
		return nil, nil
	})
	require.Equal(t, models.ErrCodeCancelled, result.ErrorCode)
}

func TestPolicy_ZeroRetriesMeansOneAttempt(t *testing.T) {
	p := Policy{MaxRetries: 0, DelayBase: time.Millisecond}

	calls := 0
	result := p.Do(context.Background(), nil, func(ctx context.Context) (*models.SendResult, error) {
		calls++
		return models.SendFailure(models.ErrCodeNetworkError, "down", true), nil
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, models.ErrCodeMaxRetriesExceeded, result.ErrorCode)
}
