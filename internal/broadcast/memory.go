package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/worker"
	"github.com/sirupsen/logrus"
)

// MemoryBus 进程内广播总线，投递由 worker 池异步执行
type MemoryBus struct {
	pool    *worker.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *middleware.PrometheusMetrics
	logger  *logrus.Logger

	mu        sync.RWMutex
	receivers map[int]*memoryRegistration
	nextID    int
	closed    bool
}

type memoryRegistration struct {
	id       int
	bus      *MemoryBus
	filter   IntentFilter
	receiver Receiver
	active   atomic.Bool
	once     sync.Once
}

// NewMemoryBus 创建内存总线并启动投递池
func NewMemoryBus(workers int, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		pool:      worker.NewPool("broadcast", workers, 256, logger),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   metrics,
		logger:    logger,
		receivers: make(map[int]*memoryRegistration),
	}
	b.pool.Start(ctx)
	return b
}

// Send 异步投递给所有匹配的接收者
func (b *MemoryBus) Send(ctx context.Context, intent Intent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*memoryRegistration, 0, len(b.receivers))
	for _, r := range b.receivers {
		if r.filter.Matches(intent) {
			targets = append(targets, r)
		}
	}
	b.mu.RUnlock()

	b.metrics.RecordBroadcast(intent.Action, "sent")
	b.logger.WithFields(logrus.Fields{
		"action":    intent.Action,
		"package":   intent.Package,
		"receivers": len(targets),
	}).Debug("Broadcast sent")

	for _, r := range targets {
		r := r
		err := b.pool.Submit(&worker.Task{
			ID: intent.Action,
			Run: func(ctx context.Context) error {
				// 排队期间已注销的接收者不再收到
				if !r.active.Load() {
					return nil
				}
				r.receiver(ctx, intent)
				b.metrics.RecordBroadcast(intent.Action, "delivered")
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", intent.Action, err)
		}
	}
	return nil
}

// Register 注册接收者
func (b *MemoryBus) Register(filter IntentFilter, receiver Receiver) (Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	r := &memoryRegistration{
		id:       b.nextID,
		bus:      b,
		filter:   filter,
		receiver: receiver,
	}
	r.active.Store(true)
	b.nextID++
	b.receivers[r.id] = r
	return r, nil
}

func (r *memoryRegistration) Unregister() {
	r.once.Do(func() {
		r.active.Store(false)
		r.bus.mu.Lock()
		delete(r.bus.receivers, r.id)
		r.bus.mu.Unlock()
	})
}

// ReceiverCount 当前注册的接收者数量
func (b *MemoryBus) ReceiverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.receivers)
}

// Close 停止投递
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.pool.Stop()
	b.cancel()
	return nil
}
