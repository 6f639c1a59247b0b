package purchase

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      200 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// executeWithRetry повторяет fn только при конфликте версий покупки:
// транзакция откатилась целиком, и свежее чтение может пройти.
func executeWithRetry(ctx context.Context, cfg RetryConfig, logger *log.Entry, operation, purchaseID string, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			if attempt > 1 {
				logger.WithFields(log.Fields{
					"operation":   operation,
					"purchase_id": purchaseID,
					"attempt":     attempt,
				}).Info("operation succeeded after retry")
			}
			return nil
		}
		if !domain.IsVersionConflict(err) || attempt == attempts {
			return err
		}

		logger.WithFields(log.Fields{
			"operation":   operation,
			"purchase_id": purchaseID,
			"attempt":     attempt,
			"delay":       delay,
		}).Warn("version conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}
