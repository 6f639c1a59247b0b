package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/version"
)

const (
	// HeaderContentType проставляется каждому сообщению.
	HeaderContentType = "content-type"

	sendTimeout = 3 * time.Second
)

// Producer: синхронный sarama-продюсер JSON-событий.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// notificationConfig настраивает доставку не более одного раза: без подтверждений
// брокера и без повторов. Hash-партиционер держит события одного ключа по порядку.
func notificationConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "purchases-" + version.GetVersion()
	config.Producer.RequiredAcks = sarama.NoResponse
	config.Producer.Retry.Max = 0
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Timeout = sendTimeout
	config.Net.DialTimeout = sendTimeout
	return config
}

// NewProducer подключается к brokers с настройками уведомлений.
func NewProducer(brokers []string, logger *log.Entry) (*Producer, error) {
	config := notificationConfig()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer config: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerFromSync(producer, logger), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer (например, mocks).
func NewProducerFromSync(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger}
}

// PublishEvent кодирует event в JSON и отправляет его в topic с ключом key.
func (p *Producer) PublishEvent(topic, key string, event any, headers ...sarama.RecordHeader) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(payload),
		Headers:   append([]sarama.RecordHeader{{Key: []byte(HeaderContentType), Value: []byte("application/json")}}, headers...),
		Timestamp: time.Now().UTC(),
	}

	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		entry.WithError(err).Warn("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	entry.WithFields(log.Fields{"partition": partition, "offset": offset, "bytes": len(payload)}).Debug("kafka message sent")
	return nil
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
