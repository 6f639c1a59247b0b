package purchase

import (
	"context"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
	"github.com/vladislavdragonenkov/purchases/internal/lock"
)

// DefaultListLimit ограничивает выдачу списка покупок владельца.
const DefaultListLimit = 50

// Details: покупка вместе с платежом и историей переходов.
type Details struct {
	Purchase domain.Purchase
	Payment  domain.Payment
	History  []domain.TransitionRecord
}

// Service объединяет сценарии трёх видов покупок и маршрутизирует вызовы по виду.
type Service struct {
	store       domain.Store
	orders      *OrderFlow
	tickets     *TicketFlow
	memberships *MembershipFlow
}

// NewService создаёт все сценарии над общим хранилищем, шлюзами и блокировкой.
func NewService(store domain.Store, gateways *gateway.Registry, opts ...Option) *Service {
	probe := defaultOptions()
	for _, opt := range opts {
		opt(&probe)
	}
	if probe.locker == nil {
		opts = append(opts, WithLocker(lock.NewMemory()))
	}

	return &Service{
		store:       store,
		orders:      NewOrderFlow(store, gateways, opts...),
		tickets:     NewTicketFlow(store, gateways, opts...),
		memberships: NewMembershipFlow(store, gateways, opts...),
	}
}

// Orders возвращает сценарий заказов.
func (s *Service) Orders() *OrderFlow { return s.orders }

// Tickets возвращает сценарий билетов.
func (s *Service) Tickets() *TicketFlow { return s.tickets }

// Memberships возвращает сценарий членства.
func (s *Service) Memberships() *MembershipFlow { return s.memberships }

// Flow возвращает общий сценарий для вида покупки.
func (s *Service) Flow(kind domain.PurchaseKind) (*Flow, error) {
	switch kind {
	case domain.PurchaseKindOrder:
		return s.orders.Flow, nil
	case domain.PurchaseKindTicket:
		return s.tickets.Flow, nil
	case domain.PurchaseKindMembership:
		return s.memberships.Flow, nil
	default:
		return nil, domain.ErrUnknownPurchaseKind
	}
}

// Initiate создаёт покупку указанного вида.
func (s *Service) Initiate(ctx context.Context, actor domain.Actor, kind domain.PurchaseKind, req InitiateRequest) (PendingPayment, error) {
	flow, err := s.Flow(kind)
	if err != nil {
		return PendingPayment{}, err
	}
	return flow.Initiate(ctx, actor, req)
}

// Confirm находит вид покупки по транзакции и подтверждает оплату.
func (s *Service) Confirm(ctx context.Context, actor domain.Actor, transactionID string) (domain.Purchase, error) {
	if transactionID == "" {
		return domain.Purchase{}, domain.ErrTransactionIDRequired
	}
	repos := s.store.Repositories()
	payment, err := repos.Payments.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return domain.Purchase{}, err
	}
	p, err := repos.Purchases.GetByPaymentID(ctx, payment.ID)
	if err != nil {
		return domain.Purchase{}, err
	}
	flow, err := s.Flow(p.Kind)
	if err != nil {
		return domain.Purchase{}, err
	}
	return flow.Confirm(ctx, actor, transactionID)
}

// Transition выполняет административный переход заказа.
func (s *Service) Transition(ctx context.Context, actor domain.Actor, purchaseID string, target domain.PurchaseState, notes string) (domain.Purchase, error) {
	return s.orders.Transition(ctx, actor, purchaseID, target, notes)
}

// Consume гасит билет.
func (s *Service) Consume(ctx context.Context, actor domain.Actor, ticketCode string) (ConsumeResult, error) {
	return s.tickets.Consume(ctx, actor, ticketCode)
}

// Cancel отменяет неоплаченную покупку любого вида.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, purchaseID, reason string) (domain.Purchase, error) {
	flow, err := s.flowFor(ctx, purchaseID)
	if err != nil {
		return domain.Purchase{}, err
	}
	return flow.Cancel(ctx, actor, purchaseID, reason)
}

// Expire отменяет покупку с истёкшим резервом. Используется sweeper'ом.
func (s *Service) Expire(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	flow, err := s.flowFor(ctx, purchaseID)
	if err != nil {
		return domain.Purchase{}, err
	}
	return flow.Expire(ctx, purchaseID)
}

// Get возвращает покупку с платежом и историей.
func (s *Service) Get(ctx context.Context, actor domain.Actor, purchaseID string) (Details, error) {
	if actor.ID == "" {
		return Details{}, domain.ErrUnauthenticated
	}
	if purchaseID == "" {
		return Details{}, domain.ErrPurchaseIDRequired
	}

	repos := s.store.Repositories()
	p, err := repos.Purchases.Get(ctx, purchaseID)
	if err != nil {
		return Details{}, err
	}
	if !actor.CanAccess(p) {
		return Details{}, domain.ErrForbidden
	}
	payment, err := repos.Payments.Get(ctx, p.PaymentID)
	if err != nil {
		return Details{}, err
	}
	history, err := repos.History.List(ctx, p.ID)
	if err != nil {
		return Details{}, err
	}
	return Details{Purchase: p, Payment: payment, History: history}, nil
}

// ListByOwner возвращает покупки владельца, новые первыми.
// Чужой список доступен только администратору.
func (s *Service) ListByOwner(ctx context.Context, actor domain.Actor, ownerID string, limit int) ([]domain.Purchase, error) {
	if actor.ID == "" {
		return nil, domain.ErrUnauthenticated
	}
	if ownerID == "" {
		ownerID = actor.ID
	}
	if ownerID != actor.ID && !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return s.store.Repositories().Purchases.ListByOwner(ctx, ownerID, limit)
}

// PendingStates возвращает начальные состояния всех видов: только в них резерв может истечь.
func (s *Service) PendingStates() []domain.PurchaseState {
	seen := make(map[domain.PurchaseState]bool, 3)
	states := make([]domain.PurchaseState, 0, 3)
	for _, f := range []*Flow{s.orders.Flow, s.tickets.Flow, s.memberships.Flow} {
		initial := f.machine.Initial()
		if !seen[initial] {
			seen[initial] = true
			states = append(states, initial)
		}
	}
	return states
}

func (s *Service) flowFor(ctx context.Context, purchaseID string) (*Flow, error) {
	if purchaseID == "" {
		return nil, domain.ErrPurchaseIDRequired
	}
	p, err := s.store.Repositories().Purchases.Get(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	return s.Flow(p.Kind)
}
