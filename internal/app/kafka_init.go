package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/purchases/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/purchases/internal/notify"
)

// initKafkaProducer инициализирует Kafka producer, если brokers не пустой.
// Возвращает nil, nil для пустого списка brokers.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer, если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// initPublisher выбирает канал уведомлений по NotifyDriver.
// closeFn не nil только для брокеров.
func initPublisher(cfg Config, logger *log.Entry) (notify.Publisher, func(), error) {
	switch cfg.NotifyDriver {
	case "", NotifyDriverLog:
		return notify.NewLogPublisher(logger.WithField("component", "notifications")), nil, nil
	case NotifyDriverKafka:
		producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return nil, nil, err
		}
		if producer == nil {
			return nil, nil, fmt.Errorf("kafka notifications require brokers")
		}
		return kafka.NewNotificationPublisher(producer, cfg.KafkaTopic), func() { closeKafka(producer, logger) }, nil
	case NotifyDriverRabbitMQ:
		publisher, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitExchange, logger.WithField("component", "rabbitmq-publisher"))
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("exchange", cfg.RabbitExchange).Info("rabbitmq publisher initialized")
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.WithError(err).Warn("failed to close rabbitmq publisher")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notify driver %q", cfg.NotifyDriver)
	}
}
