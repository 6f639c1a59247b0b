package notify

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// LogPublisher пишет уведомления в лог; используется без брокера.
type LogPublisher struct {
	logger *log.Entry
}

// NewLogPublisher создаёт публикатор в лог.
func NewLogPublisher(logger *log.Entry) *LogPublisher {
	if logger == nil {
		logger = log.WithField("component", "notify-log")
	}
	return &LogPublisher{logger: logger}
}

// Publish никогда не возвращает ошибку.
func (p *LogPublisher) Publish(_ context.Context, n Notification) error {
	p.logger.WithFields(log.Fields{
		"recipient":   n.Recipient,
		"purchase_id": n.PurchaseID,
		"kind":        n.Kind,
		"old_state":   n.OldState,
		"new_state":   n.NewState,
		"subject":     n.Subject,
	}).Info("notification")
	return nil
}

var _ Publisher = (*LogPublisher)(nil)
