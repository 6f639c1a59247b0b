package purchase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
	"github.com/vladislavdragonenkov/purchases/internal/workflow"
)

// ConsumeResult: ответ контролёру на входе.
type ConsumeResult struct {
	IsValid  bool
	Message  string
	Purchase domain.Purchase
}

// TicketFlow: сценарий билета на матч с погашением на входе.
type TicketFlow struct {
	*Flow
}

type ticketPlanner struct{}

// prepare запрещает продажу после начала матча и выдаёт код билета.
func (ticketPlanner) prepare(ctx context.Context, repos domain.Repositories, p *domain.Purchase, token domain.ReservationToken, now time.Time) error {
	if len(token.Entries) == 0 || token.Entries[0].MatchID == "" {
		return fmt.Errorf("%w: sector is not bound to a match", domain.ErrResourceKindMismatch)
	}
	match, err := repos.Catalog.GetMatch(ctx, token.Entries[0].MatchID)
	if err != nil {
		return err
	}
	if !now.Before(match.StartsAt) {
		return fmt.Errorf("%w: %s started at %s", domain.ErrMatchStarted, match.ID, match.StartsAt.Format(time.RFC3339))
	}

	p.MatchID = match.ID
	p.TicketCode = newTicketCode()
	return nil
}

func newTicketCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TCK-" + strings.ToUpper(raw[:16])
}

// NewTicketFlow создаёт сценарий билета.
func NewTicketFlow(store domain.Store, gateways *gateway.Registry, opts ...Option) *TicketFlow {
	return &TicketFlow{Flow: newFlow(domain.PurchaseKindTicket, ticketPlanner{}, store, gateways, opts...)}
}

// Consume гасит билет по коду. Отказ по существу (уже использован, окно закрыто)
// возвращается и в ConsumeResult, и как ошибка.
func (t *TicketFlow) Consume(ctx context.Context, actor domain.Actor, ticketCode string) (ConsumeResult, error) {
	started := time.Now()
	result, err := t.consume(ctx, actor, strings.TrimSpace(ticketCode))
	t.observe(string(domain.FlowStepConsume), started, err)
	return result, err
}

func (t *TicketFlow) consume(ctx context.Context, actor domain.Actor, code string) (ConsumeResult, error) {
	if actor.ID == "" {
		return ConsumeResult{}, domain.ErrUnauthenticated
	}
	if !actor.CanConsumeTickets() {
		return ConsumeResult{}, domain.ErrForbidden
	}
	if code == "" {
		return ConsumeResult{Message: domain.ErrTicketCodeRequired.Error()}, domain.ErrTicketCodeRequired
	}

	p, _, err := t.advance(ctx, string(domain.FlowStepConsume), code,
		func(ctx context.Context, repos domain.Repositories) (domain.Purchase, error) {
			return repos.Purchases.GetByTicketCode(ctx, code)
		},
		func(ctx context.Context, repos domain.Repositories, p domain.Purchase) (workflow.Event, error) {
			match, err := repos.Catalog.GetMatch(ctx, p.MatchID)
			if err != nil {
				return workflow.Event{}, err
			}
			return workflow.Event{
				Type:          workflow.EventConsume,
				At:            t.now(),
				Reason:        "consumed by " + actor.ID,
				MatchStartsAt: match.StartsAt,
				Grace:         t.graceWindow,
			}, nil
		},
	)
	if err != nil {
		return ConsumeResult{IsValid: false, Message: err.Error()}, err
	}

	return ConsumeResult{IsValid: true, Message: "ticket accepted", Purchase: p}, nil
}
