package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

// CircuitState: состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen возвращается без обращения к провайдеру, пока breaker открыт.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrGatewayUnavailable)

// CircuitBreaker считает только сбои доступности провайдера.
// Отказы по существу запроса (rejected, declined) цепь не размыкают.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	logger       *log.Entry

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && errors.Is(err, domain.ErrGatewayUnavailable) {
		cb.failures++
		cb.lastFailure = cb.now()

		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0

	return err
}

// Guarded оборачивает шлюз circuit breaker'ом.
type Guarded struct {
	next    Gateway
	breaker *CircuitBreaker
}

// NewGuarded возвращает шлюз, все вызовы которого идут через breaker.
func NewGuarded(next Gateway, breaker *CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Method возвращает способ оплаты вложенного шлюза.
func (g *Guarded) Method() domain.PaymentMethod {
	return g.next.Method()
}

// OpenIntent вызывает вложенный шлюз через breaker.
func (g *Guarded) OpenIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	var intent Intent
	err := g.breaker.Execute("open_intent", func() error {
		var err error
		intent, err = g.next.OpenIntent(ctx, req)
		return err
	})
	return intent, err
}

// ConfirmIntent вызывает вложенный шлюз через breaker.
func (g *Guarded) ConfirmIntent(ctx context.Context, transactionID string) (domain.PaymentStatus, error) {
	var status domain.PaymentStatus
	err := g.breaker.Execute("confirm_intent", func() error {
		var err error
		status, err = g.next.ConfirmIntent(ctx, transactionID)
		return err
	})
	return status, err
}

// Capture доступен, только если вложенный шлюз его поддерживает.
func (g *Guarded) Capture(ctx context.Context, transactionID string) (domain.PaymentStatus, error) {
	capturer, ok := g.next.(Capturer)
	if !ok {
		return g.ConfirmIntent(ctx, transactionID)
	}
	var status domain.PaymentStatus
	err := g.breaker.Execute("capture", func() error {
		var err error
		status, err = capturer.Capture(ctx, transactionID)
		return err
	})
	return status, err
}

// Refund доступен, только если вложенный шлюз его поддерживает.
func (g *Guarded) Refund(ctx context.Context, transactionID string, amountMinor int64, currency string) error {
	refunder, ok := g.next.(Refunder)
	if !ok {
		return fmt.Errorf("%w: %s does not support refunds", domain.ErrGatewayRejected, g.next.Method())
	}
	return g.breaker.Execute("refund", func() error {
		return refunder.Refund(ctx, transactionID, amountMinor, currency)
	})
}

var (
	_ Gateway  = (*Guarded)(nil)
	_ Capturer = (*Guarded)(nil)
	_ Refunder = (*Guarded)(nil)
)
