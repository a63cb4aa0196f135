package repository

import (
	"context"
	"reflect"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/retry"
	"github.com/sirupsen/logrus"
)

func initialQueryRetry(logger *logrus.Logger) *retry.Config {
	return &retry.Config{
		Operation:       "live_query",
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Strategy:        retry.StrategyExponential,
		Logger:          logger,
	}
}

// QueryFunc 一次性查询
type QueryFunc[T any] func(ctx context.Context) (T, error)

// Watch 把一次性查询变成实时订阅：订阅时立即发出当前值，之后每次相关表失效时
// 重新查询，值不变则不重复发出。ctx 取消后关闭通道并释放观察者。
func Watch[T any](ctx context.Context, tracker *InvalidationTracker, logger *logrus.Logger, query QueryFunc[T], tables ...string) <-chan T {
	out := make(chan T, 1)

	// 先注册观察者再做首次查询，避免两者之间的写入丢失
	signal, stop := tracker.Observe(tables...)

	go func() {
		defer close(out)
		defer stop()

		var (
			last    T
			hasLast bool
		)

		emit := func(first bool) bool {
			var (
				v   T
				err error
			)
			if first {
				// 订阅方在拿到首个值之前没有任何状态，首次查询失败时重试
				v, err = retry.DoWithResult(ctx, initialQueryRetry(logger), func(ctx context.Context) (T, error) {
					return query(ctx)
				})
			} else {
				v, err = query(ctx)
			}
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				logger.WithError(err).WithField("tables", tables).Warn("Live query failed")
				return true
			}
			if hasLast && reflect.DeepEqual(last, v) {
				return true
			}
			select {
			case out <- v:
				last, hasLast = v, true
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(true) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				if !emit(false) {
					return
				}
			}
		}
	}()

	return out
}
