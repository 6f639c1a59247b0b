package domain

import "time"

// ResourceKind описывает, что учитывает запись ledger.
type ResourceKind string

const (
	// ResourceKindProductSize: остаток размера товара.
	ResourceKindProductSize ResourceKind = "product_size"
	// ResourceKindTicketSector: вместимость сектора на матч.
	ResourceKindTicketSector ResourceKind = "ticket_sector"
	// ResourceKindMembershipCampaign: лимит мест в кампании членства.
	ResourceKindMembershipCampaign ResourceKind = "membership_campaign"
)

// LedgerEntry хранит ёмкость и текущий резерв конечного ресурса.
type LedgerEntry struct {
	ResourceID string
	Kind       ResourceKind
	Capacity   int64
	Reserved   int64
	PriceMinor int64
	Currency   string
	// MatchID заполнен для секторов.
	MatchID string
	// CampaignID заполнен для кампаний членства.
	CampaignID string
	UpdatedAt  time.Time
}

// Available возвращает количество свободных единиц.
func (e LedgerEntry) Available() int64 {
	return e.Capacity - e.Reserved
}

// ReservationToken описывает результат успешного резерва в рамках транзакции.
type ReservationToken struct {
	Lines    []ReservationLine
	Currency string
	// Entries: состояние записей ledger после резерва, в порядке Lines.
	Entries []LedgerEntry
}

// AmountMinor возвращает стоимость зарезервированных позиций.
func (t ReservationToken) AmountMinor() int64 {
	return ReservationTotal(t.Lines)
}

// Match: справочные данные матча для билетов.
type Match struct {
	ID       string
	Title    string
	StartsAt time.Time
}

// MembershipCampaign: справочные данные кампании членства.
type MembershipCampaign struct {
	ID       string
	Title    string
	Active   bool
	StartsAt time.Time
	EndsAt   time.Time
}

// OpenAt проверяет, что кампания активна в момент at.
func (c MembershipCampaign) OpenAt(at time.Time) bool {
	if !c.Active {
		return false
	}
	if !c.StartsAt.IsZero() && at.Before(c.StartsAt) {
		return false
	}
	if !c.EndsAt.IsZero() && !at.Before(c.EndsAt) {
		return false
	}
	return true
}
