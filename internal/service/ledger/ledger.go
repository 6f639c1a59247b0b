// Package ledger резервирует конечные ресурсы: размеры товаров, сектора и места в кампаниях.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/metrics"
)

// Service проверяет запрос позиций и резервирует их в переданном репозитории.
// Атомарность обеспечивает вызывающий: TryReserve вызывается внутри Store.WithinTx.
type Service struct {
	logger  *log.Entry
	metrics *metrics.PurchaseMetrics
}

// NewService создаёт сервис резервирования.
func NewService(logger *log.Entry, m *metrics.PurchaseMetrics) *Service {
	if logger == nil {
		logger = log.WithField("component", "ledger")
	}
	return &Service{logger: logger, metrics: m}
}

// TryReserve резервирует все позиции или ни одной.
// Ресурсы блокируются в порядке resource_id, чтобы параллельные транзакции не ловили deadlock.
func (s *Service) TryReserve(ctx context.Context, repo domain.LedgerRepository, kind domain.PurchaseKind, items []domain.ItemRequest) (domain.ReservationToken, error) {
	merged, err := normalize(kind, items)
	if err != nil {
		return domain.ReservationToken{}, err
	}

	token := domain.ReservationToken{
		Lines:   make([]domain.ReservationLine, 0, len(merged)),
		Entries: make([]domain.LedgerEntry, 0, len(merged)),
	}

	for _, item := range merged {
		entry, err := repo.Get(ctx, item.ResourceID)
		if err != nil {
			return domain.ReservationToken{}, err
		}
		if entry.Kind != kind.ResourceKind() {
			return domain.ReservationToken{}, fmt.Errorf("%w: %s is %s", domain.ErrResourceKindMismatch, entry.ResourceID, entry.Kind)
		}
		if token.Currency == "" {
			token.Currency = entry.Currency
		} else if token.Currency != entry.Currency {
			return domain.ReservationToken{}, fmt.Errorf("%w: %s vs %s", domain.ErrMixedCurrencies, token.Currency, entry.Currency)
		}

		reserved, err := repo.Reserve(ctx, item.ResourceID, item.Qty)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				s.metrics.RecordReservationConflict(string(kind))
				s.logger.WithFields(log.Fields{
					"resource_id": item.ResourceID,
					"qty":         item.Qty,
					"kind":        kind,
				}).Info("reservation rejected: insufficient stock")
			}
			return domain.ReservationToken{}, err
		}

		token.Lines = append(token.Lines, domain.ReservationLine{
			ResourceID:     item.ResourceID,
			Qty:            item.Qty,
			UnitPriceMinor: reserved.PriceMinor,
		})
		token.Entries = append(token.Entries, reserved)
	}

	return token, nil
}

// Release возвращает в остаток все позиции резерва.
func (s *Service) Release(ctx context.Context, repo domain.LedgerRepository, lines []domain.ReservationLine) error {
	for _, line := range lines {
		if err := repo.Release(ctx, line.ResourceID, line.Qty); err != nil {
			return fmt.Errorf("release %s: %w", line.ResourceID, err)
		}
	}
	return nil
}

// normalize проверяет позиции, объединяет дубли и сортирует по resource_id.
func normalize(kind domain.PurchaseKind, items []domain.ItemRequest) ([]domain.ItemRequest, error) {
	if !kind.Valid() {
		return nil, domain.ErrUnknownPurchaseKind
	}
	if len(items) == 0 {
		return nil, domain.ErrItemsRequired
	}

	byID := make(map[string]int32, len(items))
	for _, item := range items {
		if item.ResourceID == "" {
			return nil, domain.ErrResourceRequired
		}
		if item.Qty <= 0 {
			return nil, domain.ErrItemQtyInvalid
		}
		byID[item.ResourceID] += item.Qty
	}

	merged := make([]domain.ItemRequest, 0, len(byID))
	for id, qty := range byID {
		merged = append(merged, domain.ItemRequest{ResourceID: id, Qty: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ResourceID < merged[j].ResourceID })

	if kind != domain.PurchaseKindOrder && (len(merged) != 1 || merged[0].Qty != 1) {
		return nil, domain.ErrSingleItemRequired
	}

	return merged, nil
}

// Commit закрепляет резерв. Резерв и списание совпадают, поэтому метод ничего не делает.
func (s *Service) Commit(domain.ReservationToken) {}
