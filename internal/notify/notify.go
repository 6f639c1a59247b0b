// Package notify доставляет уведомления о смене состояния покупки.
// Доставка best-effort: ошибки публикации логируются и считаются в метриках,
// но никогда не возвращаются в сценарий покупки.
package notify

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/metrics"
)

const defaultPublishTimeout = 3 * time.Second

// Notification: сообщение о смене состояния.
type Notification struct {
	Recipient  string               `json:"recipient"`
	Subject    string               `json:"subject"`
	Body       string               `json:"body"`
	PurchaseID string               `json:"purchase_id"`
	Kind       domain.PurchaseKind  `json:"kind"`
	OldState   domain.PurchaseState `json:"old_state"`
	NewState   domain.PurchaseState `json:"new_state"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// Publisher: канал доставки уведомлений.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Dispatcher рассылает уведомления через publisher.
type Dispatcher struct {
	publisher Publisher
	metrics   *metrics.PurchaseMetrics
	logger    *log.Entry
	timeout   time.Duration
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithMetrics подключает счётчик уведомлений.
func WithMetrics(m *metrics.PurchaseMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTimeout ограничивает время одной публикации.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher создаёт диспетчер. publisher == nil означает публикацию в лог.
func NewDispatcher(publisher Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		logger:    log.WithField("component", "notify-dispatcher"),
		timeout:   defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.publisher == nil {
		d.publisher = NewLogPublisher(d.logger)
	}
	return d
}

// Dispatch публикует уведомление. Ошибки и паники публикатора не выходят наружу.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	if d == nil {
		return
	}

	entry := d.logger.WithFields(log.Fields{
		"purchase_id": n.PurchaseID,
		"kind":        n.Kind,
		"old_state":   n.OldState,
		"new_state":   n.NewState,
	})

	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordNotification("panic")
			entry.WithField("panic", fmt.Sprint(r)).Error("notification publisher panicked")
		}
	}()

	// Уведомление не должно отменяться вместе с запросом, который его вызвал.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, n); err != nil {
		d.metrics.RecordNotification("failed")
		entry.WithError(err).Warn("failed to publish notification")
		return
	}
	d.metrics.RecordNotification("sent")
}

// ForTransition строит уведомление о переходе покупки.
func ForTransition(p domain.Purchase, from, to domain.PurchaseState, at time.Time) Notification {
	return Notification{
		Recipient:  p.OwnerID,
		Subject:    subjectFor(p.Kind, to),
		Body:       bodyFor(p, from, to),
		PurchaseID: p.ID,
		Kind:       p.Kind,
		OldState:   from,
		NewState:   to,
		OccurredAt: at,
	}
}

func subjectFor(kind domain.PurchaseKind, to domain.PurchaseState) string {
	switch to {
	case domain.StateProcessing:
		return "Payment received for your order"
	case domain.StateConfirmed:
		return "Your order is confirmed"
	case domain.StateShipped:
		return "Your order has been shipped"
	case domain.StateFinished:
		return "Your order has been delivered"
	case domain.StateValid:
		return "Your ticket is ready"
	case domain.StateUsed:
		return "Your ticket has been used"
	case domain.StatePaid:
		return "Your membership is active"
	case domain.StateCancelled:
		return fmt.Sprintf("Your %s has been cancelled", kind)
	default:
		return fmt.Sprintf("Your %s is now %s", kind, to)
	}
}

func bodyFor(p domain.Purchase, from, to domain.PurchaseState) string {
	body := fmt.Sprintf("%s %s changed state from %s to %s.", p.Kind, p.ID, from, to)
	switch {
	case to == domain.StateValid && p.TicketCode != "":
		body += fmt.Sprintf(" Ticket code: %s.", p.TicketCode)
	case to == domain.StateCancelled && p.CancelReason != "":
		body += fmt.Sprintf(" Reason: %s.", p.CancelReason)
	case p.Notes != "":
		body += " " + p.Notes
	}
	return body
}
