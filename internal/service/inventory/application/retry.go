// internal/service/inventory/application/retry.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"nexus-inventory/internal/service/inventory/domain"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffStep = 50 * time.Millisecond
)

// BackoffFunc 返回第 attempt 次 (从 1 开始) 失败之后需要等待的时间
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff 冲突窗口很短, 线性退避即可: step × attempt
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// RetryPolicy 只重试 ErrReservationConflict, 其他错误立即返回
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffFunc

	// Sleep 可替换以便测试, 为空时使用基于 timer 的等待
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy 3 次尝试, 50ms × attempt
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     LinearBackoff(DefaultBackoffStep),
	}
}

// Do 执行 fn, 直到成功、遇到不可重试错误或用尽尝试次数。
// onRetry 在每次冲突后、等待之前调用, 可为 nil。
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil || !domain.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if p.Backoff != nil {
			if sleepErr := p.sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return errors.Wrapf(err, "gave up after %d attempts", attempts)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
