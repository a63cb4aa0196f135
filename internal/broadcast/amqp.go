package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// allPackages 不指定目标包时使用的 routing key 前缀
const allPackages = "_all"

// RoutingKey Intent 的 routing key：<package>.<action>
func RoutingKey(intent Intent) string {
	pkg := intent.Package
	if pkg == "" {
		pkg = allPackages
	}
	return pkg + "." + intent.Action
}

// BindingKeys 接收者需要绑定的 key
func BindingKeys(filter IntentFilter) []string {
	return []string{
		filter.Package + "." + filter.Action,
		allPackages + "." + filter.Action,
	}
}

// Broker AMQPBus 依赖的消息代理操作，由 queue.RabbitMQ 实现
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Subscribe(bindingKeys ...string) (<-chan amqp.Delivery, func() error, error)
	// Reconnected 在连接重建后发出信号
	Reconnected() <-chan struct{}
	Close() error
}

var _ Broker = (*queue.RabbitMQ)(nil)

// AMQPBus 基于 RabbitMQ topic exchange 的广播总线，
// 每个接收者一个独占队列，连接重建后重新订阅
type AMQPBus struct {
	mq      Broker
	metrics *middleware.PrometheusMetrics
	logger  *logrus.Logger

	mu        sync.Mutex
	closed    bool
	receivers map[*amqpRegistration]struct{}
	wg        sync.WaitGroup
	done      chan struct{}
}

type amqpRegistration struct {
	bus      *AMQPBus
	filter   IntentFilter
	receiver Receiver
	ctx      context.Context
	stop     context.CancelFunc

	mu     sync.Mutex
	cancel func() error
	once   sync.Once
}

// NewAMQPBus 使用已连接的客户端创建总线
func NewAMQPBus(mq Broker, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *AMQPBus {
	b := &AMQPBus{
		mq:        mq,
		metrics:   metrics,
		logger:    logger,
		receivers: make(map[*amqpRegistration]struct{}),
		done:      make(chan struct{}),
	}
	go b.handleReconnect()
	return b
}

func (b *AMQPBus) Send(ctx context.Context, intent Intent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	if err := b.mq.Publish(ctx, RoutingKey(intent), body); err != nil {
		b.logger.WithError(err).WithField("action", intent.Action).Error("Failed to publish broadcast")
		return fmt.Errorf("failed to publish: %w", err)
	}

	b.metrics.RecordBroadcast(intent.Action, "sent")
	b.logger.WithFields(logrus.Fields{
		"action":      intent.Action,
		"routing_key": RoutingKey(intent),
	}).Debug("Broadcast published")
	return nil
}

func (b *AMQPBus) Register(filter IntentFilter, receiver Receiver) (Registration, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}

	ctx, stop := context.WithCancel(context.Background())
	r := &amqpRegistration{bus: b, filter: filter, receiver: receiver, ctx: ctx, stop: stop}

	r.mu.Lock()
	err := b.subscribe(r)
	r.mu.Unlock()
	if err != nil {
		stop()
		return nil, err
	}

	b.mu.Lock()
	b.receivers[r] = struct{}{}
	b.mu.Unlock()
	return r, nil
}

// subscribe 声明队列并启动消费，调用方持有 r.mu
func (b *AMQPBus) subscribe(r *amqpRegistration) error {
	msgs, cancel, err := b.mq.Subscribe(BindingKeys(r.filter)...)
	if err != nil {
		return err
	}
	r.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(r.ctx, r.filter, msgs, r.receiver)
	}()
	return nil
}

// handleReconnect 连接重建后为仍然有效的接收者重新声明队列
func (b *AMQPBus) handleReconnect() {
	for {
		select {
		case <-b.done:
			return
		case <-b.mq.Reconnected():
			b.resubscribe()
		}
	}
}

func (b *AMQPBus) resubscribe() {
	b.mu.Lock()
	regs := make([]*amqpRegistration, 0, len(b.receivers))
	for r := range b.receivers {
		regs = append(regs, r)
	}
	b.mu.Unlock()

	restored := 0
	for _, r := range regs {
		r.mu.Lock()
		if r.ctx.Err() == nil {
			if err := b.subscribe(r); err != nil {
				b.logger.WithError(err).WithField("action", r.filter.Action).Error("Failed to restore broadcast receiver")
			} else {
				restored++
			}
		}
		r.mu.Unlock()
	}

	b.logger.WithField("receivers", restored).Info("Broadcast receivers restored after reconnect")
}
func (b *AMQPBus) consume(ctx context.Context, filter IntentFilter, msgs <-chan amqp.Delivery, receiver Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			var intent Intent
			if err := json.Unmarshal(msg.Body, &intent); err != nil {
				b.logger.WithError(err).Warn("Dropping malformed broadcast")
				continue
			}
			if !filter.Matches(intent) {
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.WithField("action", intent.Action).Errorf("Broadcast receiver panicked: %v", r)
					}
				}()
				receiver(ctx, intent)
			}()
			b.metrics.RecordBroadcast(intent.Action, "delivered")
		}
	}
}

func (r *amqpRegistration) Unregister() {
	r.once.Do(func() {
		r.mu.Lock()
		r.stop()
		if err := r.cancel(); err != nil {
			r.bus.logger.WithError(err).Debug("Failed to cancel broadcast consumer")
		}
		r.mu.Unlock()

		r.bus.mu.Lock()
		delete(r.bus.receivers, r)
		r.bus.mu.Unlock()
	})
}

func (b *AMQPBus) ReceiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.receivers)
}

// Close 注销全部接收者并关闭连接
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	regs := make([]*amqpRegistration, 0, len(b.receivers))
	for r := range b.receivers {
		regs = append(regs, r)
	}
	b.mu.Unlock()

	for _, r := range regs {
		r.Unregister()
	}
	b.wg.Wait()
	return b.mq.Close()
}
