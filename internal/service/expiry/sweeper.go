// Package expiry снимает резервы покупок, оплату которых не подтвердили вовремя.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/lock"
	"github.com/vladislavdragonenkov/purchases/internal/service/purchase"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepBatchSize = 100
)

// Expirer отменяет одну покупку с истёкшим резервом.
type Expirer interface {
	Expire(ctx context.Context, purchaseID string) (domain.Purchase, error)
	PendingStates() []domain.PurchaseState
}

// Result: итог одного прохода.
type Result struct {
	Expired int
	Skipped int
	Failed  int
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInterval задает интервал между проходами.
func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithBatchSize ограничивает число покупок за один проход.
func WithBatchSize(size int) Option {
	return func(s *Sweeper) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithLocker: sweeper берёт блокировку подтверждения на время отмены покупки,
// а занятые блокировки пропускает.
func WithLocker(l lock.Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithLockTTL задает срок захвата блокировки подтверждения.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Sweeper) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// Sweeper периодически переводит просроченные покупки в cancelled.
type Sweeper struct {
	store     domain.Store
	expirer   Expirer
	locker    lock.Locker
	lockTTL   time.Duration
	logger    *log.Entry
	now       func() time.Time
	interval  time.Duration
	batchSize int
}

// NewSweeper создает sweeper.
func NewSweeper(store domain.Store, expirer Expirer, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		expirer:   expirer,
		logger:    log.WithField("component", "expiry-sweeper"),
		now:       func() time.Time { return time.Now().UTC() },
		lockTTL:   purchase.DefaultConfirmLockTTL,
		interval:  defaultSweepInterval,
		batchSize: defaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет проходы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.WithField("interval", s.interval).Info("expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Warn("expiry sweep failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce обрабатывает одну порцию просроченных покупок.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var result Result

	expired, err := s.store.Repositories().Purchases.ListExpired(ctx, s.expirer.PendingStates(), s.now(), s.batchSize)
	if err != nil {
		return result, err
	}

	for _, p := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		entry := s.logger.WithFields(log.Fields{
			"purchase_id": p.ID,
			"kind":        p.Kind,
			"expires_at":  p.ExpiresAt,
		})

		err := s.expireLocked(ctx, p)
		if errors.Is(err, lock.ErrLocked) {
			result.Skipped++
			entry.Debug("purchase is being confirmed, skipping")
			continue
		}
		switch {
		case err == nil:
			result.Expired++
		case errors.Is(err, domain.ErrReservationNotExpired),
			errors.Is(err, domain.ErrIllegalTransition),
			domain.IsVersionConflict(err):
			// Покупку успели подтвердить, отменить или продлить.
			result.Skipped++
		default:
			result.Failed++
			entry.WithError(err).Warn("failed to expire purchase")
		}
	}

	if result.Expired > 0 || result.Failed > 0 {
		s.logger.WithFields(log.Fields{
			"expired": result.Expired,
			"skipped": result.Skipped,
			"failed":  result.Failed,
		}).Info("expiry sweep completed")
	}
	return result, nil
}

// expireLocked отменяет покупку под блокировкой подтверждения её транзакции,
// чтобы Confirm не списал деньги одновременно с отменой.
// lock.ErrLocked означает, что подтверждение уже идёт.
func (s *Sweeper) expireLocked(ctx context.Context, p domain.Purchase) error {
	if s.locker == nil {
		_, err := s.expirer.Expire(ctx, p.ID)
		return err
	}
	payment, err := s.store.Repositories().Payments.Get(ctx, p.PaymentID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if payment.TransactionID != "" {
		release, err := s.locker.Acquire(ctx, purchase.ConfirmLockKey(payment.TransactionID), s.lockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return err
			}
			return fmt.Errorf("confirm lock: %w", err)
		}
		defer release()
	}
	_, err = s.expirer.Expire(ctx, p.ID)
	return err
}
