package domain

import "time"

// PurchaseKind определяет вид покупки: заказ в магазине, билет или членство.
type PurchaseKind string

const (
	PurchaseKindOrder      PurchaseKind = "order"
	PurchaseKindTicket     PurchaseKind = "ticket"
	PurchaseKindMembership PurchaseKind = "membership"
)

// Valid проверяет, что вид покупки поддерживается.
func (k PurchaseKind) Valid() bool {
	switch k {
	case PurchaseKindOrder, PurchaseKindTicket, PurchaseKindMembership:
		return true
	default:
		return false
	}
}

// ResourceKind возвращает вид записи ledger, которую резервирует покупка.
func (k PurchaseKind) ResourceKind() ResourceKind {
	switch k {
	case PurchaseKindOrder:
		return ResourceKindProductSize
	case PurchaseKindTicket:
		return ResourceKindTicketSector
	case PurchaseKindMembership:
		return ResourceKindMembershipCampaign
	default:
		return ""
	}
}

// PurchaseState: закрытое перечисление состояний всех видов покупок.
type PurchaseState string

const (
	// Состояния заказа.
	StateInitiated  PurchaseState = "initiated"
	StateProcessing PurchaseState = "processing"
	StateConfirmed  PurchaseState = "confirmed"
	StateCancelled  PurchaseState = "cancelled"
	StateShipped    PurchaseState = "shipped"
	StateFinished   PurchaseState = "finished"

	// Состояния билета и членства.
	StatePending PurchaseState = "pending"
	StateValid   PurchaseState = "valid"
	StateUsed    PurchaseState = "used"
	StatePaid    PurchaseState = "paid"
)

// AllStates перечисляет все известные состояния.
var AllStates = []PurchaseState{
	StateInitiated, StateProcessing, StateConfirmed, StateCancelled, StateShipped, StateFinished,
	StatePending, StateValid, StateUsed, StatePaid,
}

// ParsePurchaseState проверяет строку на принадлежность перечислению.
func ParsePurchaseState(raw string) (PurchaseState, bool) {
	for _, s := range AllStates {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// ItemRequest: запрошенная позиция до резервирования.
type ItemRequest struct {
	ResourceID string
	Qty        int32
}

// ReservationLine: зарезервированная позиция с ценой на момент резерва.
type ReservationLine struct {
	ResourceID     string
	Qty            int32
	UnitPriceMinor int64
}

// Purchase агрегирует состояние покупки любого вида.
type Purchase struct {
	ID          string
	OwnerID     string
	Kind        PurchaseKind
	State       PurchaseState
	AmountMinor int64
	Currency    string
	// PaymentID назначается при создании и больше не меняется.
	PaymentID string
	Lines     []ReservationLine
	Version   int64

	// Только для билетов.
	TicketCode string
	MatchID    string
	UsedAt     *time.Time

	// Только для членства.
	CampaignID string

	// Только для заказов.
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	Notes       string

	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	// ExpiresAt: срок удержания резерва до подтверждения оплаты.
	ExpiresAt time.Time
}

// ReservationTotal считает сумму позиций: qty * unit price.
func ReservationTotal(lines []ReservationLine) int64 {
	var total int64
	for _, line := range lines {
		total += int64(line.Qty) * line.UnitPriceMinor
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты покупки и возвращает список замечаний.
func (p *Purchase) ValidateInvariants() []error {
	var errs []error

	if p.OwnerID == "" {
		errs = append(errs, ErrOwnerRequired)
	}
	if !p.Kind.Valid() {
		errs = append(errs, ErrUnknownPurchaseKind)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(p.Lines) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if p.PaymentID == "" {
		errs = append(errs, ErrPaymentIDRequired)
	}

	for _, line := range p.Lines {
		if line.ResourceID == "" {
			errs = append(errs, ErrResourceRequired)
		}
		if line.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if line.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	if ReservationTotal(p.Lines) != p.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Clone возвращает копию покупки без общих срезов и указателей.
func (p Purchase) Clone() Purchase {
	dst := p
	dst.Lines = append([]ReservationLine(nil), p.Lines...)
	dst.UsedAt = cloneTime(p.UsedAt)
	dst.ShippedAt = cloneTime(p.ShippedAt)
	dst.DeliveredAt = cloneTime(p.DeliveredAt)
	dst.CompletedAt = cloneTime(p.CompletedAt)
	return dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
