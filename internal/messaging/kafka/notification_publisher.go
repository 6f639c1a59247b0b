package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/purchases/internal/notify"
)

// NotificationPublisher публикует уведомления о покупках в Kafka topic.
type NotificationPublisher struct {
	producer *Producer
	topic    string
}

// NewNotificationPublisher создаёт Kafka-паблишер уведомлений.
func NewNotificationPublisher(producer *Producer, topic string) *NotificationPublisher {
	if topic == "" {
		topic = TopicNotifications
	}
	return &NotificationPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish отправляет уведомление; ключом сообщения служит id покупки,
// поэтому события одной покупки попадают в одну партицию по порядку.
func (p *NotificationPublisher) Publish(ctx context.Context, n notify.Notification) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka notification publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := NewNotificationEvent(n)
	return p.producer.PublishEvent(p.topic, n.PurchaseID, event,
		sarama.RecordHeader{Key: []byte(HeaderEventType), Value: []byte(event.EventType)},
		sarama.RecordHeader{Key: []byte(HeaderPurchaseKind), Value: []byte(n.Kind)},
	)
}

var _ notify.Publisher = (*NotificationPublisher)(nil)
