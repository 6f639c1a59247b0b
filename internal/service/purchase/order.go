package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
	"github.com/vladislavdragonenkov/purchases/internal/workflow"
)

// OrderFlow: сценарий заказа товаров. Кроме общей части умеет
// административные переходы по жизненному циклу доставки.
type OrderFlow struct {
	*Flow
}

type orderPlanner struct{}

func (orderPlanner) prepare(context.Context, domain.Repositories, *domain.Purchase, domain.ReservationToken, time.Time) error {
	return nil
}

// NewOrderFlow создаёт сценарий заказа.
func NewOrderFlow(store domain.Store, gateways *gateway.Registry, opts ...Option) *OrderFlow {
	return &OrderFlow{Flow: newFlow(domain.PurchaseKindOrder, orderPlanner{}, store, gateways, opts...)}
}

// Transition переводит заказ в target. Доступно только администратору;
// допустимость перехода определяет таблица автомата.
func (o *OrderFlow) Transition(ctx context.Context, actor domain.Actor, purchaseID string, target domain.PurchaseState, notes string) (domain.Purchase, error) {
	started := time.Now()
	p, err := o.transition(ctx, actor, purchaseID, target, notes)
	o.observe(string(domain.FlowStepTransition), started, err)
	return p, err
}

func (o *OrderFlow) transition(ctx context.Context, actor domain.Actor, purchaseID string, target domain.PurchaseState, notes string) (domain.Purchase, error) {
	if actor.ID == "" {
		return domain.Purchase{}, domain.ErrUnauthenticated
	}
	if !actor.IsAdmin() {
		return domain.Purchase{}, domain.ErrForbidden
	}
	if purchaseID == "" {
		return domain.Purchase{}, domain.ErrPurchaseIDRequired
	}
	if _, ok := domain.ParsePurchaseState(string(target)); !ok {
		return domain.Purchase{}, fmt.Errorf("%w: unknown target state %q", domain.ErrIllegalTransition, target)
	}

	p, _, err := o.advance(ctx, string(domain.FlowStepTransition), purchaseID,
		func(ctx context.Context, repos domain.Repositories) (domain.Purchase, error) {
			return repos.Purchases.Get(ctx, purchaseID)
		},
		func(context.Context, domain.Repositories, domain.Purchase) (workflow.Event, error) {
			return workflow.Event{
				Type:   workflow.EventSetState,
				Target: target,
				At:     o.now(),
				Reason: notes,
			}, nil
		},
	)
	return p, err
}
