package hook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notdeveloper/notdeveloper-go/internal/ipc"
	"github.com/sirupsen/logrus"
)

// rediscoverInterval 服务不可用时两次发现之间的最小间隔
const rediscoverInterval = 5 * time.Second

// ServicePreferences 经跨进程服务查询偏好。
// 服务不可用或调用失败时按启用处理，信号保持隐藏。
type ServicePreferences struct {
	discover func(ctx context.Context) *ipc.Service
	timeout  time.Duration
	logger   *logrus.Logger

	mu          sync.Mutex
	svc         *ipc.Service
	lastAttempt time.Time
	now         func() time.Time
}

// NewServicePreferences 使用 ipc.Discover 获取服务
func NewServicePreferences(opts ipc.Options, timeout time.Duration, logger *logrus.Logger) *ServicePreferences {
	return newServicePreferences(func(ctx context.Context) *ipc.Service {
		return ipc.Discover(ctx, opts)
	}, timeout, logger)
}

func newServicePreferences(discover func(ctx context.Context) *ipc.Service, timeout time.Duration, logger *logrus.Logger) *ServicePreferences {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ServicePreferences{
		discover: discover,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Reload 服务丢失后重新发现
func (p *ServicePreferences) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.svc != nil {
		return
	}
	now := p.now()
	if !p.lastAttempt.IsZero() && now.Sub(p.lastAttempt) < rediscoverInterval {
		return
	}
	p.lastAttempt = now

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.svc = p.discover(ctx)
	if p.svc == nil {
		p.logger.Warn("Preference service unavailable, hiding every detection")
	}
}

// Available 当前是否持有服务
func (p *ServicePreferences) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.svc != nil
}

func (p *ServicePreferences) IsDetectionEnabled(packageName string, userID int, methodKey string) bool {
	p.mu.Lock()
	svc := p.svc
	p.mu.Unlock()
	if svc == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	enabled, err := svc.IsDetectionEnabledEffective(ctx, packageName, userID, methodKey)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"package": packageName,
			"method":  methodKey,
		}).Warn("Preference lookup failed")

		// 服务端不支持该操作时句柄仍有效，其余失败视为服务丢失
		if !errors.Is(err, ipc.ErrUnknownMethod) {
			p.mu.Lock()
			if p.svc == svc {
				p.svc = nil
			}
			p.mu.Unlock()
		}
		return true
	}
	return enabled
}
