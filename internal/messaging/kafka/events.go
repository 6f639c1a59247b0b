package kafka

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/notify"
)

// EventType определяет тип события: purchase.<kind>.<state>.
type EventType string

// Topics для Kafka
const (
	TopicNotifications = "purchases.notifications"
)

// Kafka headers, по которым потребители фильтруют события без разбора JSON.
const (
	HeaderEventType    = "x-event-type"
	HeaderPurchaseKind = "x-purchase-kind"
)

// EventTypeFor собирает тип события из вида покупки и нового состояния.
func EventTypeFor(n notify.Notification) EventType {
	return EventType(fmt.Sprintf("purchase.%s.%s", n.Kind, n.NewState))
}

// NotificationEvent: конверт уведомления в Kafka.
type NotificationEvent struct {
	EventType    EventType           `json:"event_type"`
	Notification notify.Notification `json:"notification"`
	PublishedAt  time.Time           `json:"published_at"`
}

// NewNotificationEvent создает конверт уведомления.
func NewNotificationEvent(n notify.Notification) *NotificationEvent {
	return &NotificationEvent{
		EventType:    EventTypeFor(n),
		Notification: n,
		PublishedAt:  time.Now().UTC(),
	}
}
