package purchase

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/lock"
	"github.com/vladislavdragonenkov/purchases/internal/metrics"
	"github.com/vladislavdragonenkov/purchases/internal/notify"
)

const (
	// DefaultReservationTTL: сколько резерв ждёт подтверждения оплаты.
	DefaultReservationTTL = 15 * time.Minute
	// DefaultGraceWindow: сколько после начала матча ещё пускают по билету.
	DefaultGraceWindow = 10 * time.Minute
	// DefaultConfirmLockTTL ограничивает захват подтверждения, если процесс упал.
	DefaultConfirmLockTTL = 30 * time.Second
)

type options struct {
	logger         *log.Entry
	metrics        *metrics.PurchaseMetrics
	dispatcher     *notify.Dispatcher
	locker         lock.Locker
	now            func() time.Time
	reservationTTL time.Duration
	graceWindow    time.Duration
	confirmLockTTL time.Duration
	retry          RetryConfig
}

func defaultOptions() options {
	return options{
		now:            func() time.Time { return time.Now().UTC() },
		reservationTTL: DefaultReservationTTL,
		graceWindow:    DefaultGraceWindow,
		confirmLockTTL: DefaultConfirmLockTTL,
		retry:          DefaultRetryConfig(),
	}
}

// Option настраивает сценарии покупки.
type Option func(*options)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.PurchaseMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDispatcher задаёт канал уведомлений.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithLocker задаёт блокировку подтверждений.
func WithLocker(l lock.Locker) Option {
	return func(o *options) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithReservationTTL задаёт срок удержания резерва.
func WithReservationTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.reservationTTL = ttl
		}
	}
}

// WithGraceWindow задаёт окно прохода по билету после начала матча.
func WithGraceWindow(grace time.Duration) Option {
	return func(o *options) {
		if grace >= 0 {
			o.graceWindow = grace
		}
	}
}

// WithConfirmLockTTL задаёт TTL блокировки подтверждения.
func WithConfirmLockTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.confirmLockTTL = ttl
		}
	}
}

// WithRetry задаёт повторы при конфликте версий.
func WithRetry(cfg RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}
