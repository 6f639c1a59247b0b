package workflow

import (
	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

var cancelEffects = []Effect{EffectReleaseReservation, EffectFailPayment}

// OrderMachine: initiated -> processing -> confirmed -> shipped -> finished,
// processing -> cancelled. Отмена до оплаты снимает резерв.
func OrderMachine() *Machine {
	return MustMachine(domain.PurchaseKindOrder, domain.StateInitiated,
		Policy{
			State: domain.StateInitiated,
			Rules: []Rule{
				{On: EventPaymentConfirmed, To: domain.StateProcessing, Effects: []Effect{EffectStampCompleted}},
				{On: EventCancel, To: domain.StateCancelled, Effects: cancelEffects},
				{On: EventExpire, To: domain.StateCancelled, Effects: cancelEffects},
			},
		},
		Policy{
			State: domain.StateProcessing,
			Rules: []Rule{
				{On: EventSetState, To: domain.StateConfirmed},
				{On: EventSetState, To: domain.StateCancelled, Effects: []Effect{EffectReleaseReservation, EffectRefundPayment}},
			},
		},
		Policy{
			State: domain.StateConfirmed,
			Rules: []Rule{
				{On: EventSetState, To: domain.StateShipped, Effects: []Effect{EffectStampShipped}},
			},
		},
		Policy{
			State: domain.StateShipped,
			Rules: []Rule{
				{On: EventSetState, To: domain.StateFinished, Effects: []Effect{EffectStampDelivered}},
			},
		},
		Policy{State: domain.StateCancelled},
		Policy{State: domain.StateFinished},
	)
}

// TicketMachine: pending -> valid -> used, pending -> cancelled.
func TicketMachine() *Machine {
	return MustMachine(domain.PurchaseKindTicket, domain.StatePending,
		Policy{
			State: domain.StatePending,
			Rules: []Rule{
				{On: EventPaymentConfirmed, To: domain.StateValid, Effects: []Effect{EffectStampCompleted}},
				{On: EventCancel, To: domain.StateCancelled, Effects: cancelEffects},
				{On: EventExpire, To: domain.StateCancelled, Effects: cancelEffects},
			},
			Reject: map[EventType]error{EventConsume: domain.ErrTicketNotValid},
		},
		Policy{
			State: domain.StateValid,
			Rules: []Rule{
				{On: EventConsume, To: domain.StateUsed, Guard: consumeWindowOpen, Effects: []Effect{EffectStampUsed}},
			},
		},
		Policy{
			State:  domain.StateUsed,
			Reject: map[EventType]error{EventConsume: domain.ErrTicketAlreadyUsed},
		},
		Policy{
			State:  domain.StateCancelled,
			Reject: map[EventType]error{EventConsume: domain.ErrTicketNotValid},
		},
	)
}

// MembershipMachine: pending -> paid, pending -> cancelled.
func MembershipMachine() *Machine {
	return MustMachine(domain.PurchaseKindMembership, domain.StatePending,
		Policy{
			State: domain.StatePending,
			Rules: []Rule{
				{On: EventPaymentConfirmed, To: domain.StatePaid, Effects: []Effect{EffectStampCompleted}},
				{On: EventCancel, To: domain.StateCancelled, Effects: cancelEffects},
				{On: EventExpire, To: domain.StateCancelled, Effects: cancelEffects},
			},
		},
		Policy{State: domain.StatePaid},
		Policy{State: domain.StateCancelled},
	)
}

// ForKind возвращает автомат для вида покупки.
func ForKind(kind domain.PurchaseKind) (*Machine, error) {
	switch kind {
	case domain.PurchaseKindOrder:
		return OrderMachine(), nil
	case domain.PurchaseKindTicket:
		return TicketMachine(), nil
	case domain.PurchaseKindMembership:
		return MembershipMachine(), nil
	default:
		return nil, domain.ErrUnknownPurchaseKind
	}
}

// consumeWindowOpen пропускает билет до начала матча плюс grace.
func consumeWindowOpen(_ domain.Purchase, ev Event) error {
	if ev.MatchStartsAt.IsZero() {
		return domain.ErrConsumeWindowClosed
	}
	if ev.At.After(ev.MatchStartsAt.Add(ev.Grace)) {
		return domain.ErrConsumeWindowClosed
	}
	return nil
}
