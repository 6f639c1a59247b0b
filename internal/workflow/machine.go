// Package workflow описывает автоматы состояний покупок.
//
// Каждое состояние владеет только своими переходами: всё, что не описано
// в политике состояния, отклоняется с ErrIllegalTransition.
package workflow

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

// EventType: внешнее событие, которое пытается сдвинуть покупку.
type EventType string

const (
	// EventPaymentConfirmed: шлюз подтвердил оплату.
	EventPaymentConfirmed EventType = "payment_confirmed"
	// EventSetState: административный переход в явно указанное состояние.
	EventSetState EventType = "set_state"
	// EventConsume: погашение билета на входе.
	EventConsume EventType = "consume"
	// EventCancel: отмена владельцем или оператором.
	EventCancel EventType = "cancel"
	// EventExpire: истечение срока резерва.
	EventExpire EventType = "expire"
)

// Event: входные данные перехода.
type Event struct {
	Type EventType
	// Target заполняется для EventSetState.
	Target domain.PurchaseState
	At     time.Time
	Reason string
	// MatchStartsAt и Grace нужны только для EventConsume.
	MatchStartsAt time.Time
	Grace         time.Duration
}

// Effect: побочный эффект, который вызывающий обязан выполнить вместе с переходом.
type Effect string

const (
	EffectStampCompleted     Effect = "stamp_completed"
	EffectStampShipped       Effect = "stamp_shipped"
	EffectStampDelivered     Effect = "stamp_delivered"
	EffectStampUsed          Effect = "stamp_used"
	EffectReleaseReservation Effect = "release_reservation"
	EffectFailPayment        Effect = "fail_payment"
	EffectRefundPayment      Effect = "refund_payment"
	EffectNotify             Effect = "notify"
)

// Decision: результат чистой функции перехода.
type Decision struct {
	From    domain.PurchaseState
	To      domain.PurchaseState
	Event   Event
	Effects []Effect
}

// Has сообщает, содержит ли решение эффект.
func (d Decision) Has(effect Effect) bool {
	for _, e := range d.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

// Guard проверяет дополнительное условие перехода.
type Guard func(p domain.Purchase, ev Event) error

// Rule: один разрешённый переход из состояния.
type Rule struct {
	On      EventType
	To      domain.PurchaseState
	Guard   Guard
	Effects []Effect
}

// Policy: набор переходов, разрешённых из состояния.
// Политика без правил описывает терминальное состояние.
type Policy struct {
	State domain.PurchaseState
	Rules []Rule
	// Reject задаёт доменную ошибку для события, которое из этого
	// состояния невозможно, вместо общего ErrIllegalTransition.
	Reject map[EventType]error
}

// Machine: автомат состояний для одного вида покупки.
type Machine struct {
	kind     domain.PurchaseKind
	initial  domain.PurchaseState
	policies map[domain.PurchaseState]Policy
	order    []domain.PurchaseState
}

// NewMachine собирает автомат и проверяет таблицу переходов.
func NewMachine(kind domain.PurchaseKind, initial domain.PurchaseState, policies ...Policy) (*Machine, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", domain.ErrInvalidTransitionTable, kind)
	}

	m := &Machine{
		kind:     kind,
		initial:  initial,
		policies: make(map[domain.PurchaseState]Policy, len(policies)),
	}
	for _, policy := range policies {
		if _, ok := domain.ParsePurchaseState(string(policy.State)); !ok {
			return nil, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidTransitionTable, policy.State)
		}
		if _, dup := m.policies[policy.State]; dup {
			return nil, fmt.Errorf("%w: duplicate policy for %q", domain.ErrInvalidTransitionTable, policy.State)
		}
		m.policies[policy.State] = policy
		m.order = append(m.order, policy.State)
	}

	if _, ok := m.policies[initial]; !ok {
		return nil, fmt.Errorf("%w: initial state %q has no policy", domain.ErrInvalidTransitionTable, initial)
	}

	for _, policy := range policies {
		seen := make(map[string]struct{}, len(policy.Rules))
		for _, rule := range policy.Rules {
			if _, ok := m.policies[rule.To]; !ok {
				return nil, fmt.Errorf("%w: %s -> %q is not a state of %s", domain.ErrInvalidTransitionTable, policy.State, rule.To, kind)
			}
			key := string(rule.On)
			if rule.On == EventSetState {
				key += ":" + string(rule.To)
			}
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("%w: ambiguous rule %s on %s", domain.ErrInvalidTransitionTable, policy.State, key)
			}
			seen[key] = struct{}{}
		}
	}

	return m, nil
}

// MustMachine паникует на некорректной таблице; используется для статических таблиц.
func MustMachine(kind domain.PurchaseKind, initial domain.PurchaseState, policies ...Policy) *Machine {
	m, err := NewMachine(kind, initial, policies...)
	if err != nil {
		panic(err)
	}
	return m
}

// Kind возвращает вид покупки автомата.
func (m *Machine) Kind() domain.PurchaseKind { return m.kind }

// Initial возвращает начальное состояние.
func (m *Machine) Initial() domain.PurchaseState { return m.initial }

// States возвращает состояния в порядке объявления.
func (m *Machine) States() []domain.PurchaseState {
	return append([]domain.PurchaseState(nil), m.order...)
}

// Terminal сообщает, что из состояния нет исходящих переходов.
func (m *Machine) Terminal(state domain.PurchaseState) bool {
	policy, ok := m.policies[state]
	return ok && len(policy.Rules) == 0
}

// Next вычисляет переход без побочных эффектов.
func (m *Machine) Next(p domain.Purchase, ev Event) (Decision, error) {
	if p.Kind != m.kind {
		return Decision{}, fmt.Errorf("%w: %s machine got %s", domain.ErrKindMismatch, m.kind, p.Kind)
	}

	policy, ok := m.policies[p.State]
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown state %q for %s", domain.ErrIllegalTransition, p.State, m.kind)
	}

	for _, rule := range policy.Rules {
		if rule.On != ev.Type {
			continue
		}
		if ev.Type == EventSetState && rule.To != ev.Target {
			continue
		}
		if rule.Guard != nil {
			if err := rule.Guard(p, ev); err != nil {
				return Decision{}, err
			}
		}

		effects := make([]Effect, 0, len(rule.Effects)+1)
		effects = append(effects, rule.Effects...)
		effects = append(effects, EffectNotify)
		return Decision{From: p.State, To: rule.To, Event: ev, Effects: effects}, nil
	}

	if rejectErr, ok := policy.Reject[ev.Type]; ok {
		return Decision{}, rejectErr
	}
	if ev.Type == EventSetState {
		return Decision{}, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, p.State, ev.Target)
	}
	return Decision{}, fmt.Errorf("%w: %s on %s", domain.ErrIllegalTransition, ev.Type, p.State)
}

// Apply переносит решение на покупку: состояние и временные метки.
// Эффекты, требующие хранилища или шлюза, выполняет вызывающий.
func Apply(p *domain.Purchase, d Decision) {
	at := d.Event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.State = d.To
	p.UpdatedAt = at

	for _, effect := range d.Effects {
		stamp := at
		switch effect {
		case EffectStampCompleted:
			p.CompletedAt = &stamp
		case EffectStampShipped:
			p.ShippedAt = &stamp
		case EffectStampDelivered:
			p.DeliveredAt = &stamp
		case EffectStampUsed:
			p.UsedAt = &stamp
		}
	}

	if d.To == domain.StateCancelled && d.Event.Reason != "" {
		p.CancelReason = d.Event.Reason
	}
	if d.Event.Type == EventSetState && d.Event.Reason != "" {
		p.Notes = d.Event.Reason
	}
}
