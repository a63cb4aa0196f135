package broadcast

import (
	"fmt"

	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/queue"
	"github.com/sirupsen/logrus"
)

// New 按配置创建广播总线
func New(cfg *config.BroadcastConfig, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) (Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryBus(cfg.Workers, metrics, logger), nil
	case "rabbitmq":
		mq, err := queue.NewRabbitMQ(&queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
			Exchange: cfg.RabbitMQ.Exchange,
		}, logger)
		if err != nil {
			return nil, err
		}
		mq.StartConnectionWatcher()
		return NewAMQPBus(mq, metrics, logger), nil
	default:
		return nil, fmt.Errorf("unknown broadcast driver %q", cfg.Driver)
	}
}
