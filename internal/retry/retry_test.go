package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testConfig(attempts int) *Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialInterval = 10 * time.Millisecond
	config.Logger.SetOutput(io.Discard)
	return config
}

// TestDo_Success 第一次就成功
func TestDo_Success(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

// TestDo_SuccessAfterRetries 重试后成功
func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// TestDo_MaxAttemptsReached 达到最大尝试次数
func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return errors.New("connection reset")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max attempts")
}

// TestDo_ContextCanceled 上下文取消后停止
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	config := testConfig(10)
	config.InitialInterval = 100 * time.Millisecond
	err := Do(ctx, config, func(ctx context.Context) error {
		attempts++
		return errors.New("slow service")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.Less(t, attempts, 10)
}

// TestDo_Timeout 总超时
func TestDo_Timeout(t *testing.T) {
	config := testConfig(10)
	config.Timeout = 150 * time.Millisecond
	config.InitialInterval = 50 * time.Millisecond
	config.Strategy = StrategyFixed
	attempts := 0

	err := Do(context.Background(), config, func(ctx context.Context) error {
		attempts++
		time.Sleep(20 * time.Millisecond)
		return errors.New("slow service")
	})

	assert.Error(t, err)
	assert.Less(t, attempts, 10)
}

// TestDo_PermanentError 不可重试错误只执行一次
func TestDo_PermanentError(t *testing.T) {
	attempts := 0

	err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
		attempts++
		return Permanent(errors.New("malformed response"))
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "non-retryable")
}

// TestDo_ClientStatusNotRetried 4xx 不重试，5xx 重试
func TestDo_ClientStatusNotRetried(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
		attempts++
		return &StatusError{Code: 404, Message: "unknown handle"}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)

	var statusErr *StatusError
	assert.True(t, errors.As(err, &statusErr))

	attempts = 0
	err = Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return &StatusError{Code: 503, Message: "starting"}
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)

	// 501 表示服务端不支持该操作，重试没有意义
	attempts = 0
	err = Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return &StatusError{Code: 501, Message: "unknown op"}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

// TestCalculateNextInterval 各策略的间隔
func TestCalculateNextInterval(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 250 * time.Millisecond

	assert.Equal(t, initial, calculateNextInterval(StrategyFixed, initial, initial, max, 3))
	assert.Equal(t, 200*time.Millisecond, calculateNextInterval(StrategyLinear, initial, initial, max, 2))
	assert.Equal(t, max, calculateNextInterval(StrategyLinear, initial, initial, max, 3))

	// 指数退避: 100ms, 200ms, 400ms（被限制为 250ms）
	assert.Equal(t, 100*time.Millisecond, calculateNextInterval(StrategyExponential, initial, initial, max, 1))
	assert.Equal(t, 200*time.Millisecond, calculateNextInterval(StrategyExponential, initial, initial, max, 2))
	assert.Equal(t, max, calculateNextInterval(StrategyExponential, initial, initial, max, 3))
}

// TestDoWithResult 带返回值的重试
func TestDoWithResult(t *testing.T) {
	attempts := 0

	result, err := DoWithResult(context.Background(), testConfig(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("connection refused")
		}
		return "handle", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "handle", result)
	assert.Equal(t, 2, attempts)

	result, err = DoWithResult(context.Background(), testConfig(2), func(ctx context.Context) (string, error) {
		return "partial", errors.New("connection refused")
	})
	assert.Error(t, err)
	assert.Equal(t, "", result)
}

// TestDo_NilLogger 未设置日志器时使用标准日志器
func TestDo_NilLogger(t *testing.T) {
	config := &Config{MaxAttempts: 2, InitialInterval: time.Millisecond, Strategy: StrategyFixed}
	logrus.SetOutput(io.Discard)

	err := Do(context.Background(), config, func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"transport", errors.New("dial tcp: connection refused"), true},
		{"transient", Transient(context.Canceled), true},
		{"permanent", Permanent(errors.New("fatal")), false},
		{"server error", &StatusError{Code: 500}, true},
		{"client error", &StatusError{Code: 400}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func BenchmarkDo_Success(b *testing.B) {
	ctx := context.Background()
	config := testConfig(3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Do(ctx, config, func(ctx context.Context) error {
			return nil
		})
	}
}
