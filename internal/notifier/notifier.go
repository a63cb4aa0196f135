// Package notifier 在配置变更后让 system_server 重新派发 Settings 变更通知，
// 使依赖 ContentObserver 的应用感知到变化。
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/notdeveloper/notdeveloper-go/internal/broadcast"
	"github.com/notdeveloper/notdeveloper-go/internal/detection"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// 广播协议
const (
	ActionChange         = "notdeveloper.action.Change"
	ActionChangeCallback = "notdeveloper.action.Change.Callback"
	ExtraID              = "Id"
	ExtraMethod          = "Method"

	// SystemPackage 接收变更请求的 system_server 包名
	SystemPackage = "android"
)

// DefaultTimeout 等待回执的默认时长
const DefaultTimeout = 30 * time.Second

// Outcome 一次传播的结果
type Outcome string

const (
	OutcomeAcked   Outcome = "acked"
	OutcomeTimeout Outcome = "timeout"
	OutcomeSkipped Outcome = "skipped"
)

// Acknowledged 是否收到回执
func (o Outcome) Acknowledged() bool {
	return o == OutcomeAcked
}

// ChangeNotifier 发送变更请求并等待回执
type ChangeNotifier struct {
	bus        broadcast.Bus
	registry   *detection.Registry
	appPackage string
	timeout    time.Duration
	metrics    *middleware.PrometheusMetrics
	logger     *logrus.Logger

	mu      sync.Mutex
	pending map[string]broadcast.Registration
}

// New 创建变更通知器，appPackage 为配置应用包名（回执的目标）
func New(bus broadcast.Bus, registry *detection.Registry, appPackage string, timeout time.Duration, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *ChangeNotifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ChangeNotifier{
		bus:        bus,
		registry:   registry,
		appPackage: appPackage,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger,
		pending:    make(map[string]broadcast.Registration),
	}
}

// NotifyChange 请求 system_server 为 methodKey 重新派发变更通知。
// 系统属性类方法和配置应用自身不需要传播；超时不是错误。
func (n *ChangeNotifier) NotifyChange(ctx context.Context, targetPackage, methodKey string) (Outcome, error) {
	method, ok := n.registry.Lookup(methodKey)
	if !ok {
		return "", fmt.Errorf("unknown detection method %q", methodKey)
	}

	if method.Kind != detection.KindSettings || targetPackage == n.appPackage {
		n.metrics.RecordPropagation(string(OutcomeSkipped), 0)
		return OutcomeSkipped, nil
	}

	id := uuid.NewString()
	acked := make(chan struct{})
	var ackOnce sync.Once

	reg, err := n.bus.Register(
		broadcast.IntentFilter{Action: ActionChangeCallback, Package: n.appPackage},
		func(_ context.Context, intent broadcast.Intent) {
			if got, _ := intent.Extra(ExtraID); got == id {
				ackOnce.Do(func() { close(acked) })
			}
		},
	)
	if err != nil {
		n.metrics.RecordPropagation("failed", 0)
		return "", fmt.Errorf("register callback receiver: %w", err)
	}
	n.track(id, reg)
	defer n.release(id)

	start := time.Now()
	intent := broadcast.NewIntent(ActionChange, SystemPackage).
		With(ExtraID, id).
		With(ExtraMethod, method.Key)
	if err := n.bus.Send(ctx, intent); err != nil {
		n.metrics.RecordPropagation("failed", 0)
		return "", fmt.Errorf("send change broadcast: %w", err)
	}

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case <-acked:
		n.metrics.RecordPropagation(string(OutcomeAcked), time.Since(start))
		n.logger.WithFields(logrus.Fields{
			"id":      id,
			"method":  method.Key,
			"package": targetPackage,
		}).Debug("Setting change acknowledged")
		return OutcomeAcked, nil

	case <-timer.C:
		n.metrics.RecordPropagation(string(OutcomeTimeout), 0)
		n.logger.WithFields(logrus.Fields{
			"id":      id,
			"method":  method.Key,
			"timeout": n.timeout,
		}).Warn("Setting change not acknowledged")
		return OutcomeTimeout, nil

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (n *ChangeNotifier) track(id string, reg broadcast.Registration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending[id] = reg
}

// release 注销回执接收者；同一 id 只会真正注销一次
func (n *ChangeNotifier) release(id string) {
	n.mu.Lock()
	reg, ok := n.pending[id]
	delete(n.pending, id)
	n.mu.Unlock()

	if ok {
		reg.Unregister()
	}
}

// Pending 等待回执的请求数
func (n *ChangeNotifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// NotifyAsync 后台传播，结果只记录日志
func (n *ChangeNotifier) NotifyAsync(targetPackage, methodKey string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout+time.Second)
		defer cancel()

		outcome, err := n.NotifyChange(ctx, targetPackage, methodKey)
		if err != nil {
			n.logger.WithError(err).WithField("method", methodKey).Warn("Setting change propagation failed")
			return
		}
		n.logger.WithFields(logrus.Fields{
			"method":  methodKey,
			"package": targetPackage,
			"outcome": outcome,
		}).Debug("Setting change propagated")
	}()
}
