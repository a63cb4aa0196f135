package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	Operation       string        // 用于日志和指标
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy      // 重试策略
	Timeout         time.Duration // 总超时时间
	Logger          *logrus.Logger
	Metrics         *middleware.PrometheusMetrics
}

// DefaultConfig 跨进程调用的默认配置：短间隔、少次数
func DefaultConfig() *Config {
	return &Config{
		Operation:       "ipc",
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         10 * time.Second,
		Logger:          logrus.New(),
	}
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	error
	retryable bool
}

func (e *retryableError) IsRetryable() bool {
	return e.retryable
}

func (e *retryableError) Unwrap() error {
	return e.error
}

// Transient 标记为可重试
func Transient(err error) error {
	return &retryableError{error: err, retryable: true}
}

// Permanent 标记为不可重试
func Permanent(err error) error {
	return &retryableError{error: err, retryable: false}
}

// StatusError 服务端返回的非 2xx 状态
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// IsRetryable 判断错误是否可重试：连接类错误和 5xx 重试，4xx 和 501 不重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 && statusErr.Code != http.StatusNotImplemented
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return false
	}
	// 连接失败等传输错误
	return true
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var cancel context.CancelFunc
	if config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		startTime := time.Now()
		err := fn(ctx)
		duration := time.Since(startTime)

		if err == nil {
			if attempt > 1 {
				config.Metrics.RecordRetrySuccess(config.Operation)
				logger.WithFields(logrus.Fields{
					"operation": config.Operation,
					"attempt":   attempt,
					"duration":  duration,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err
		config.Metrics.RecordRetryAttempt(config.Operation, attempt)

		logger.WithFields(logrus.Fields{
			"operation": config.Operation,
			"attempt":   attempt,
			"max":       config.MaxAttempts,
			"duration":  duration,
			"error":     err.Error(),
		}).Debug("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt >= config.MaxAttempts {
			break
		}

		interval = calculateNextInterval(config.Strategy, interval, config.InitialInterval, config.MaxInterval, attempt)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// calculateNextInterval 计算下一次重试间隔
func calculateNextInterval(strategy Strategy, current, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration

	switch strategy {
	case StrategyFixed:
		next = initial
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		// initial * 2^(attempt-1)
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}

	if next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
