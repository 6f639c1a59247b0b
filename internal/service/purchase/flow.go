// Package purchase реализует сценарии покупки: резерв, оплата, подтверждение
// и дальнейшие переходы заказов, билетов и членства.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
	"github.com/vladislavdragonenkov/purchases/internal/lock"
	"github.com/vladislavdragonenkov/purchases/internal/metrics"
	"github.com/vladislavdragonenkov/purchases/internal/notify"
	"github.com/vladislavdragonenkov/purchases/internal/service/ledger"
	"github.com/vladislavdragonenkov/purchases/internal/workflow"
)

// InitiateRequest: запрос на создание покупки.
type InitiateRequest struct {
	Items  []domain.ItemRequest
	Method domain.PaymentMethod
	// ExpectedAmountMinor: сумма, которую видел клиент; nil отключает проверку.
	ExpectedAmountMinor *int64
	// Currency: ожидаемая валюта; пустая строка отключает проверку.
	Currency string
}

// PendingPayment возвращается из Initiate и содержит всё, что нужно клиенту для оплаты.
type PendingPayment struct {
	PurchaseID          string
	PaymentID           string
	TransactionID       string
	ClientSecret        string
	ApprovalURL         string
	AmountMinor         int64
	Currency            string
	ProviderAmountMinor int64
	ProviderCurrency    string
	State               domain.PurchaseState
	TicketCode          string
	ExpiresAt           time.Time
}

// planner: часть сценария, зависящая от вида покупки.
type planner interface {
	// prepare проверяет справочные данные и дополняет покупку после резерва.
	prepare(ctx context.Context, repos domain.Repositories, p *domain.Purchase, token domain.ReservationToken, now time.Time) error
}

// Flow: общий движок сценария для одного вида покупки.
type Flow struct {
	kind       domain.PurchaseKind
	machine    *workflow.Machine
	planner    planner
	store      domain.Store
	ledger     *ledger.Service
	gateways   *gateway.Registry
	dispatcher *notify.Dispatcher
	locker     lock.Locker
	metrics    *metrics.PurchaseMetrics
	logger     *log.Entry
	now        func() time.Time

	reservationTTL time.Duration
	graceWindow    time.Duration
	confirmLockTTL time.Duration
	retry          RetryConfig
}

func newFlow(kind domain.PurchaseKind, pl planner, store domain.Store, gateways *gateway.Registry, opts ...Option) *Flow {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", "purchase-flow")
	}
	if o.locker == nil {
		o.locker = lock.NewMemory()
	}
	logger := o.logger.WithField("kind", kind)

	machine, err := workflow.ForKind(kind)
	if err != nil {
		panic(err)
	}

	return &Flow{
		kind:           kind,
		machine:        machine,
		planner:        pl,
		store:          store,
		ledger:         ledger.NewService(logger, o.metrics),
		gateways:       gateways,
		dispatcher:     o.dispatcher,
		locker:         o.locker,
		metrics:        o.metrics,
		logger:         logger,
		now:            o.now,
		reservationTTL: o.reservationTTL,
		graceWindow:    o.graceWindow,
		confirmLockTTL: o.confirmLockTTL,
		retry:          o.retry,
	}
}

// Kind возвращает вид покупки сценария.
func (f *Flow) Kind() domain.PurchaseKind {
	return f.kind
}

// Initiate резервирует позиции, открывает платёж у провайдера и создаёт покупку.
// Всё выполняется в одной транзакции: при любой ошибке резерв откатывается.
func (f *Flow) Initiate(ctx context.Context, actor domain.Actor, req InitiateRequest) (PendingPayment, error) {
	started := time.Now()
	result, err := f.initiate(ctx, actor, req)
	f.observe("initiate", started, err)
	if err != nil {
		f.logger.WithError(err).WithField("owner_id", actor.ID).Warn("purchase initiation failed")
		return PendingPayment{}, err
	}

	f.metrics.RecordInitiated(string(f.kind))
	f.logger.WithFields(log.Fields{
		"purchase_id":    result.PurchaseID,
		"transaction_id": result.TransactionID,
		"amount_minor":   result.AmountMinor,
		"currency":       result.Currency,
	}).Info("purchase initiated")
	return result, nil
}

func (f *Flow) initiate(ctx context.Context, actor domain.Actor, req InitiateRequest) (PendingPayment, error) {
	if actor.ID == "" {
		return PendingPayment{}, domain.ErrUnauthenticated
	}
	if req.Method == "" {
		return PendingPayment{}, domain.ErrPaymentMethodRequired
	}
	gw, err := f.gateways.Get(req.Method)
	if err != nil {
		return PendingPayment{}, err
	}

	now := f.now()
	p := domain.Purchase{
		ID:        uuid.NewString(),
		OwnerID:   actor.ID,
		Kind:      f.kind,
		State:     f.machine.Initial(),
		PaymentID: uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(f.reservationTTL),
	}

	var intent gateway.Intent
	err = f.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		token, err := f.ledger.TryReserve(ctx, repos.Ledger, f.kind, req.Items)
		if err != nil {
			return err
		}

		p.Lines = token.Lines
		p.AmountMinor = token.AmountMinor()
		p.Currency = token.Currency

		if req.ExpectedAmountMinor != nil && *req.ExpectedAmountMinor != p.AmountMinor {
			return fmt.Errorf("%w: expected %d, reserved %d", domain.ErrAmountMismatch, *req.ExpectedAmountMinor, p.AmountMinor)
		}
		if req.Currency != "" && !strings.EqualFold(req.Currency, p.Currency) {
			return fmt.Errorf("%w: expected currency %s, priced in %s", domain.ErrAmountMismatch, req.Currency, p.Currency)
		}

		if err := f.planner.prepare(ctx, repos, &p, token, now); err != nil {
			return err
		}
		if errs := p.ValidateInvariants(); len(errs) > 0 {
			return errors.Join(errs...)
		}
		if err := repos.Purchases.Create(ctx, p); err != nil {
			return fmt.Errorf("create purchase: %w", err)
		}

		intent, err = gw.OpenIntent(ctx, gateway.IntentRequest{
			PurchaseID:  p.ID,
			AmountMinor: p.AmountMinor,
			Currency:    p.Currency,
			Description: fmt.Sprintf("%s %s", f.kind, p.ID),
		})
		if err != nil {
			return fmt.Errorf("open payment intent: %w", err)
		}

		payment := domain.Payment{
			ID:                  p.PaymentID,
			PurchaseID:          p.ID,
			TransactionID:       intent.TransactionID,
			Method:              req.Method,
			Status:              domain.PaymentStatusPending,
			AmountMinor:         p.AmountMinor,
			Currency:            p.Currency,
			ProviderAmountMinor: intent.ProviderAmountMinor,
			ProviderCurrency:    intent.ProviderCurrency,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := repos.Payments.Create(ctx, payment); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		f.ledger.Commit(token)

		return repos.History.Append(ctx, domain.TransitionRecord{
			PurchaseID: p.ID,
			To:         p.State,
			Reason:     "initiated",
			Occurred:   now,
		})
	})
	if err != nil {
		return PendingPayment{}, err
	}

	return PendingPayment{
		PurchaseID:          p.ID,
		PaymentID:           p.PaymentID,
		TransactionID:       intent.TransactionID,
		ClientSecret:        intent.ClientSecret,
		ApprovalURL:         intent.ApprovalURL,
		AmountMinor:         p.AmountMinor,
		Currency:            p.Currency,
		ProviderAmountMinor: intent.ProviderAmountMinor,
		ProviderCurrency:    intent.ProviderCurrency,
		State:               p.State,
		TicketCode:          p.TicketCode,
		ExpiresAt:           p.ExpiresAt,
	}, nil
}

// Confirm проверяет платёж у провайдера и продвигает покупку.
// Повторный вызов для завершённого платежа возвращает покупку без побочных эффектов.
func (f *Flow) Confirm(ctx context.Context, actor domain.Actor, transactionID string) (domain.Purchase, error) {
	started := time.Now()
	p, err := f.confirm(ctx, actor, transactionID)
	f.observe("confirm", started, err)
	return p, err
}

func (f *Flow) confirm(ctx context.Context, actor domain.Actor, transactionID string) (domain.Purchase, error) {
	if transactionID == "" {
		return domain.Purchase{}, domain.ErrTransactionIDRequired
	}
	if actor.ID == "" {
		return domain.Purchase{}, domain.ErrUnauthenticated
	}

	repos := f.store.Repositories()
	payment, err := repos.Payments.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return domain.Purchase{}, err
	}
	p, err := repos.Purchases.GetByPaymentID(ctx, payment.ID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if p.Kind != f.kind {
		return domain.Purchase{}, fmt.Errorf("%w: %s flow got %s", domain.ErrKindMismatch, f.kind, p.Kind)
	}
	if !actor.CanAccess(p) {
		return domain.Purchase{}, domain.ErrForbidden
	}

	entry := f.logger.WithFields(log.Fields{
		"purchase_id":    p.ID,
		"transaction_id": transactionID,
	})

	if done, err := f.checkPaymentPending(entry, p, payment); done || err != nil {
		return p, err
	}

	release, err := f.locker.Acquire(ctx, ConfirmLockKey(transactionID), f.confirmLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return p, domain.ErrConfirmInProgress
		}
		return p, fmt.Errorf("acquire confirm lock: %w", err)
	}
	defer release()

	// Пока ждали блокировку, sweeper мог отменить покупку.
	if payment, err = repos.Payments.GetByTransactionID(ctx, transactionID); err != nil {
		return p, err
	}
	if payment.Status != domain.PaymentStatusPending {
		if p, err = repos.Purchases.GetByPaymentID(ctx, payment.ID); err != nil {
			return domain.Purchase{}, err
		}
		if done, err := f.checkPaymentPending(entry, p, payment); done || err != nil {
			return p, err
		}
	}

	f.metrics.ConfirmStarted()
	defer f.metrics.ConfirmFinished()

	gw, err := f.gateways.Get(payment.Method)
	if err != nil {
		return p, err
	}

	status, err := gw.ConfirmIntent(ctx, transactionID)
	if err != nil {
		return p, fmt.Errorf("confirm payment intent: %w", err)
	}

	switch status {
	case domain.PaymentStatusCompleted:
	case domain.PaymentStatusPending:
		return p, domain.ErrPaymentNotApproved
	case domain.PaymentStatusFailed:
		if err := f.markPaymentFailed(ctx, payment.ID); err != nil {
			return p, err
		}
		entry.Warn("payment declined by provider")
		return p, fmt.Errorf("%w: transaction %s", domain.ErrPaymentDeclined, transactionID)
	default:
		return p, fmt.Errorf("%w: unexpected payment status %q", domain.ErrGatewayRejected, status)
	}

	var decision workflow.Decision
	err = executeWithRetry(ctx, f.retry, f.logger, "confirm", p.ID, func() error {
		return f.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			now := f.now()
			if err := repos.Payments.UpdateStatus(ctx, payment.ID, domain.PaymentStatusPending, domain.PaymentStatusCompleted, now); err != nil {
				return err
			}

			current, err := repos.Purchases.GetByPaymentID(ctx, payment.ID)
			if err != nil {
				return err
			}
			d, err := f.commit(ctx, repos, &current, workflow.Event{Type: workflow.EventPaymentConfirmed, At: now, Reason: "payment confirmed"})
			if err != nil {
				return err
			}
			p, decision = current, d
			return nil
		})
	})
	if err != nil {
		if confirmed, ok := f.compensate(ctx, gw, payment, err); ok {
			return confirmed, nil
		}
		return p, err
	}

	f.metrics.RecordConfirmed(string(f.kind))
	f.afterTransition(ctx, p, decision)
	entry.WithField("state", p.State).Info("purchase confirmed")
	return p, nil
}

// compensate возвращает деньги, если провайдер списал их, а сохранить подтверждение не удалось.
// Если платёж уже подтверждён параллельным вызовом, возвращает актуальную покупку и true.
func (f *Flow) compensate(ctx context.Context, gw gateway.Gateway, payment domain.Payment, cause error) (domain.Purchase, bool) {
	repos := f.store.Repositories()
	current, err := repos.Payments.Get(ctx, payment.ID)
	if err == nil && current.Status == domain.PaymentStatusCompleted {
		if p, err := repos.Purchases.GetByPaymentID(ctx, payment.ID); err == nil {
			return p, true
		}
	}

	entry := f.logger.WithError(cause).WithFields(log.Fields{
		"purchase_id":    payment.PurchaseID,
		"transaction_id": payment.TransactionID,
	})

	refunder, ok := gw.(gateway.Refunder)
	if !ok {
		entry.Error("captured payment could not be recorded and provider does not support refunds")
		return domain.Purchase{}, false
	}

	amount, currency := providerAmount(payment)
	if err := refunder.Refund(context.WithoutCancel(ctx), payment.TransactionID, amount, currency); err != nil {
		f.metrics.RecordRefund("error")
		entry.WithField("refund_error", err.Error()).Error("compensating refund failed")
		return domain.Purchase{}, false
	}
	f.metrics.RecordRefund("ok")
	entry.Warn("captured payment refunded after failed confirmation")

	if err == nil && current.Status == domain.PaymentStatusPending {
		if err := f.markPaymentFailed(ctx, payment.ID); err != nil {
			entry.WithField("mark_error", err.Error()).Warn("failed to mark refunded payment as failed")
		}
	}
	return domain.Purchase{}, false
}

func (f *Flow) markPaymentFailed(ctx context.Context, paymentID string) error {
	return f.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		err := repos.Payments.UpdateStatus(ctx, paymentID, domain.PaymentStatusPending, domain.PaymentStatusFailed, f.now())
		if err != nil && !errors.Is(err, domain.ErrPaymentStatusConflict) {
			return fmt.Errorf("mark payment failed: %w", err)
		}
		return nil
	})
}

// Cancel отменяет покупку до оплаты. Доступно владельцу и администратору.
func (f *Flow) Cancel(ctx context.Context, actor domain.Actor, purchaseID, reason string) (domain.Purchase, error) {
	started := time.Now()
	if reason == "" {
		reason = "cancelled by " + string(actor.Role)
	}
	p, _, err := f.advance(ctx, "cancel", purchaseID,
		func(ctx context.Context, repos domain.Repositories) (domain.Purchase, error) {
			if actor.ID == "" {
				return domain.Purchase{}, domain.ErrUnauthenticated
			}
			p, err := repos.Purchases.Get(ctx, purchaseID)
			if err != nil {
				return domain.Purchase{}, err
			}
			if !actor.CanAccess(p) {
				return domain.Purchase{}, domain.ErrForbidden
			}
			return p, nil
		},
		func(context.Context, domain.Repositories, domain.Purchase) (workflow.Event, error) {
			return workflow.Event{Type: workflow.EventCancel, At: f.now(), Reason: reason}, nil
		},
	)
	f.observe("cancel", started, err)
	return p, err
}

// Expire отменяет покупку, резерв которой истёк до подтверждения оплаты.
func (f *Flow) Expire(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	started := time.Now()
	p, _, err := f.advance(ctx, "expire", purchaseID,
		func(ctx context.Context, repos domain.Repositories) (domain.Purchase, error) {
			return repos.Purchases.Get(ctx, purchaseID)
		},
		func(_ context.Context, _ domain.Repositories, p domain.Purchase) (workflow.Event, error) {
			now := f.now()
			if now.Before(p.ExpiresAt) {
				return workflow.Event{}, domain.ErrReservationNotExpired
			}
			return workflow.Event{Type: workflow.EventExpire, At: now, Reason: "reservation expired"}, nil
		},
	)
	f.observe("expire", started, err)
	if err == nil {
		f.metrics.RecordExpired(string(f.kind))
	}
	return p, err
}

type loader func(ctx context.Context, repos domain.Repositories) (domain.Purchase, error)

type eventBuilder func(ctx context.Context, repos domain.Repositories, p domain.Purchase) (workflow.Event, error)

// advance загружает покупку, применяет событие и сохраняет результат в одной транзакции.
// Уведомление уходит после фиксации транзакции.
func (f *Flow) advance(ctx context.Context, operation, purchaseRef string, load loader, build eventBuilder) (domain.Purchase, workflow.Decision, error) {
	var (
		result   domain.Purchase
		decision workflow.Decision
	)

	err := executeWithRetry(ctx, f.retry, f.logger, operation, purchaseRef, func() error {
		return f.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			p, err := load(ctx, repos)
			if err != nil {
				return err
			}
			if p.Kind != f.kind {
				return fmt.Errorf("%w: %s flow got %s", domain.ErrKindMismatch, f.kind, p.Kind)
			}
			ev, err := build(ctx, repos, p)
			if err != nil {
				return err
			}
			d, err := f.commit(ctx, repos, &p, ev)
			if err != nil {
				return err
			}
			result, decision = p, d
			return nil
		})
	})
	if err != nil {
		f.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"purchase":  purchaseRef,
		}).Warn("purchase transition rejected")
		return result, decision, err
	}

	f.afterTransition(ctx, result, decision)
	return result, decision, nil
}

// commit вычисляет переход, выполняет его эффекты и сохраняет покупку.
// Вызывается только внутри транзакции.
func (f *Flow) commit(ctx context.Context, repos domain.Repositories, p *domain.Purchase, ev workflow.Event) (workflow.Decision, error) {
	d, err := f.machine.Next(*p, ev)
	if err != nil {
		return workflow.Decision{}, err
	}

	workflow.Apply(p, d)
	if err := f.runEffects(ctx, repos, *p, d); err != nil {
		return workflow.Decision{}, err
	}

	if err := repos.Purchases.Save(ctx, *p); err != nil {
		return workflow.Decision{}, err
	}
	p.Version++

	if err := repos.History.Append(ctx, domain.TransitionRecord{
		PurchaseID: p.ID,
		From:       d.From,
		To:         d.To,
		Reason:     ev.Reason,
		Occurred:   p.UpdatedAt,
	}); err != nil {
		return workflow.Decision{}, fmt.Errorf("append history: %w", err)
	}
	return d, nil
}

func (f *Flow) runEffects(ctx context.Context, repos domain.Repositories, p domain.Purchase, d workflow.Decision) error {
	for _, effect := range d.Effects {
		switch effect {
		case workflow.EffectReleaseReservation:
			if err := f.ledger.Release(ctx, repos.Ledger, p.Lines); err != nil {
				return err
			}
		case workflow.EffectFailPayment:
			payment, err := repos.Payments.Get(ctx, p.PaymentID)
			if err != nil {
				return err
			}
			if payment.Status != domain.PaymentStatusPending {
				continue
			}
			if err := repos.Payments.UpdateStatus(ctx, payment.ID, domain.PaymentStatusPending, domain.PaymentStatusFailed, p.UpdatedAt); err != nil {
				return err
			}
		case workflow.EffectRefundPayment:
			if err := f.refund(ctx, repos, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// refund помечает платёж возвращённым и вызывает провайдера последним шагом,
// чтобы ошибка провайдера откатила всю транзакцию.
func (f *Flow) refund(ctx context.Context, repos domain.Repositories, p domain.Purchase) error {
	payment, err := repos.Payments.Get(ctx, p.PaymentID)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentStatusCompleted {
		return nil
	}

	gw, err := f.gateways.Get(payment.Method)
	if err != nil {
		return err
	}
	refunder, ok := gw.(gateway.Refunder)
	if !ok {
		return fmt.Errorf("%w: %s does not support refunds", domain.ErrGatewayRejected, payment.Method)
	}

	if err := repos.Payments.UpdateStatus(ctx, payment.ID, domain.PaymentStatusCompleted, domain.PaymentStatusRefunded, p.UpdatedAt); err != nil {
		return err
	}

	amount, currency := providerAmount(payment)
	if err := refunder.Refund(ctx, payment.TransactionID, amount, currency); err != nil {
		f.metrics.RecordRefund("error")
		return fmt.Errorf("refund payment: %w", err)
	}
	f.metrics.RecordRefund("ok")
	return nil
}

func (f *Flow) afterTransition(ctx context.Context, p domain.Purchase, d workflow.Decision) {
	f.metrics.RecordTransition(string(f.kind), string(d.From), string(d.To))
	f.logger.WithFields(log.Fields{
		"purchase_id": p.ID,
		"from":        d.From,
		"to":          d.To,
		"event":       d.Event.Type,
	}).Info("purchase state changed")

	if d.Has(workflow.EffectNotify) {
		f.dispatcher.Dispatch(ctx, notify.ForTransition(p, d.From, d.To, p.UpdatedAt))
	}
}

func (f *Flow) observe(operation string, started time.Time, err error) {
	f.metrics.RecordFlowDuration(string(f.kind), operation, time.Since(started))
	if err != nil {
		f.metrics.RecordFailed(string(f.kind), string(domain.KindOf(err)))
	}
}

// providerAmount возвращает сумму в валюте провайдера, если шлюз её пересчитывал.
func providerAmount(payment domain.Payment) (int64, string) {
	if payment.ProviderCurrency != "" {
		return payment.ProviderAmountMinor, payment.ProviderCurrency
	}
	return payment.AmountMinor, payment.Currency
}

// checkPaymentPending: done=true для уже подтверждённого платежа,
// ошибка для неуспешного или истёкшего.
func (f *Flow) checkPaymentPending(entry *log.Entry, p domain.Purchase, payment domain.Payment) (bool, error) {
	switch payment.Status {
	case domain.PaymentStatusCompleted:
		entry.Info("payment already confirmed")
		return true, nil
	case domain.PaymentStatusPending:
		return false, nil
	}
	if payment.Status == domain.PaymentStatusFailed && p.State == domain.StateCancelled &&
		!p.ExpiresAt.IsZero() && !p.ExpiresAt.After(f.now()) {
		return false, fmt.Errorf("%w: %s", domain.ErrPurchaseExpired, p.ID)
	}
	return false, fmt.Errorf("%w: %s", domain.ErrPaymentNotPending, payment.Status)
}

// ConfirmLockKey: ключ блокировки подтверждения транзакции.
func ConfirmLockKey(transactionID string) string {
	return "confirm:" + transactionID
}
