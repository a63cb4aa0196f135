package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Exchange  string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// RabbitMQ 连接到 topic exchange 的客户端
type RabbitMQ struct {
	config     *RabbitMQConfig
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger      *logrus.Logger
	reconnected chan struct{}
	maxRetries  int

	// 连接状态管理
	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建客户端并声明 exchange
func NewRabbitMQ(config *RabbitMQConfig, logger *logrus.Logger) (*RabbitMQ, error) {
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:      config,
		logger:      logger,
		reconnected: make(chan struct{}, 1),
		maxRetries:  10,
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// URL 连接地址
func (c *RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	mq.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	mq.channel = ch

	// 广播是瞬时的：exchange 不持久化
	err = ch.ExchangeDeclare(
		mq.config.Exchange, // name
		"topic",            // kind
		false,              // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	mq.connNotify = make(chan *amqp.Error, 1)
	mq.channelNotify = make(chan *amqp.Error, 1)
	mq.conn.NotifyClose(mq.connNotify)
	mq.channel.NotifyClose(mq.channelNotify)

	mq.logger.WithFields(logrus.Fields{
		"host":      mq.config.Host,
		"port":      mq.config.Port,
		"exchange":  mq.config.Exchange,
		"heartbeat": mq.config.Heartbeat,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 监听连接和 channel 关闭，直到客户端主动关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var (
				err *amqp.Error
				ok  bool
			)
			select {
			case err, ok = <-connNotify:
			case err, ok = <-channelNotify:
			}

			if !ok && mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}

			if rerr := mq.Reconnect(); rerr != nil {
				mq.logger.WithError(rerr).Error("Giving up on RabbitMQ")
				return
			}
			mq.notifyReconnected()
		}
	}()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// notifyReconnected 通知订阅方重建消费（非阻塞，多次重连合并为一次）
func (mq *RabbitMQ) notifyReconnected() {
	select {
	case mq.reconnected <- struct{}{}:
	default:
	}
}

// Reconnect 重新连接
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for retries := 0; retries < mq.maxRetries; retries++ {
		if mq.isClosed() {
			return fmt.Errorf("client closed")
		}

		mq.logger.Infof("Attempting to reconnect to RabbitMQ (attempt %d/%d)", retries+1, mq.maxRetries)
		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Error("Failed to reconnect")
			time.Sleep(time.Duration(retries+1) * time.Second)
			continue
		}

		mq.logger.Info("Successfully reconnected to RabbitMQ")
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, fmt.Errorf("channel is nil")
	}
	return mq.channel, nil
}

// Publish 按 routing key 发布到 exchange
func (mq *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		mq.config.Exchange, // exchange
		routingKey,         // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Transient,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Subscribe 声明独占临时队列并绑定到 keys，返回消息通道和取消函数
func (mq *RabbitMQ) Subscribe(bindingKeys ...string) (<-chan amqp.Delivery, func() error, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // 由服务端命名
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range bindingKeys {
		if err := ch.QueueBind(q.Name, key, mq.config.Exchange, false, nil); err != nil {
			ch.QueueDelete(q.Name, false, false, false)
			return nil, nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	consumerTag := "notdeveloper-" + q.Name
	msgs, err := ch.Consume(
		q.Name,      // queue
		consumerTag, // consumer
		true,        // auto-ack
		true,        // exclusive
		false,       // no-local
		false,       // no-wait
		nil,
	)
	if err != nil {
		ch.QueueDelete(q.Name, false, false, false)
		return nil, nil, fmt.Errorf("failed to consume: %w", err)
	}

	cancel := func() error {
		if err := ch.Cancel(consumerTag, false); err != nil {
			return err
		}
		_, err := ch.QueueDelete(q.Name, false, false, false)
		return err
	}
	return msgs, cancel, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// Reconnected 重连成功信号，旧连接上的队列和消费者都已失效
func (mq *RabbitMQ) Reconnected() <-chan struct{} {
	return mq.reconnected
}
