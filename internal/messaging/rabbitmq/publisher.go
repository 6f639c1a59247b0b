// Package rabbitmq публикует уведомления о покупках в topic exchange RabbitMQ.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/notify"
)

// ExchangeNotifications: durable topic exchange уведомлений.
const ExchangeNotifications = "purchases.notifications"

// channel: часть *amqp.Channel, которая нужна публикатору.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher отправляет уведомления с routing key purchase.<kind>.<new_state>.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *log.Entry

	// amqp-канал нельзя использовать из нескольких горутин одновременно.
	mu sync.Mutex
	ch channel
}

// Dial подключается к брокеру и объявляет exchange.
func Dial(url, exchange string, logger *log.Entry) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open: %w", err)
	}

	p, err := newPublisher(ch, exchange, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *log.Entry) (*Publisher, error) {
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-publisher")
	}
	if exchange == "" {
		exchange = ExchangeNotifications
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq exchange declare %s: %w", exchange, err)
	}

	return &Publisher{ch: ch, exchange: exchange, logger: logger}, nil
}

// RoutingKey возвращает ключ маршрутизации для уведомления.
func RoutingKey(n notify.Notification) string {
	return fmt.Sprintf("purchase.%s.%s", n.Kind, n.NewState)
}

// Publish отправляет уведомление как persistent JSON-сообщение.
func (p *Publisher) Publish(ctx context.Context, n notify.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    fmt.Sprintf("%s:%s", n.PurchaseID, n.NewState),
		Body:         body,
	}

	key := RoutingKey(n)

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"exchange":    p.exchange,
			"routing_key": key,
			"purchase_id": n.PurchaseID,
		}).Error("failed to publish notification to rabbitmq")
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"exchange":    p.exchange,
		"routing_key": key,
		"purchase_id": n.PurchaseID,
	}).Debug("notification published to rabbitmq")
	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ notify.Publisher = (*Publisher)(nil)
