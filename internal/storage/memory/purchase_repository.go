package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

type purchaseRepository struct {
	store *Store
	inTx  bool
}

// Create сохраняет новую покупку, если ID, платёж и код билета ещё не заняты.
func (r *purchaseRepository) Create(_ context.Context, p domain.Purchase) error {
	return r.store.with(r.inTx, func(d *state) error {
		if _, exists := d.purchases[p.ID]; exists {
			return domain.ErrPurchaseVersionConflict
		}
		for _, existing := range d.purchases {
			if existing.PaymentID == p.PaymentID {
				return domain.ErrPurchaseVersionConflict
			}
			if p.TicketCode != "" && existing.TicketCode == p.TicketCode {
				return domain.ErrPurchaseVersionConflict
			}
		}
		d.purchases[p.ID] = p.Clone()
		return nil
	})
}

func (r *purchaseRepository) Get(_ context.Context, id string) (domain.Purchase, error) {
	return r.find(func(p domain.Purchase) bool { return p.ID == id }, domain.ErrPurchaseNotFound)
}

func (r *purchaseRepository) GetByPaymentID(_ context.Context, paymentID string) (domain.Purchase, error) {
	return r.find(func(p domain.Purchase) bool { return p.PaymentID == paymentID }, domain.ErrPurchaseNotFound)
}

func (r *purchaseRepository) GetByTicketCode(_ context.Context, code string) (domain.Purchase, error) {
	if code == "" {
		return domain.Purchase{}, domain.ErrTicketCodeRequired
	}
	return r.find(func(p domain.Purchase) bool {
		return p.Kind == domain.PurchaseKindTicket && p.TicketCode == code
	}, domain.ErrTicketNotFound)
}

// ListByOwner возвращает покупки владельца от новых к старым, ограничивая выборку limit (если >0).
func (r *purchaseRepository) ListByOwner(_ context.Context, ownerID string, limit int) ([]domain.Purchase, error) {
	result := make([]domain.Purchase, 0)
	err := r.store.with(r.inTx, func(d *state) error {
		for _, p := range d.purchases {
			if p.OwnerID == ownerID {
				result = append(result, p.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *purchaseRepository) ListExpired(_ context.Context, states []domain.PurchaseState, before time.Time, limit int) ([]domain.Purchase, error) {
	wanted := make(map[domain.PurchaseState]struct{}, len(states))
	for _, s := range states {
		wanted[s] = struct{}{}
	}

	result := make([]domain.Purchase, 0)
	err := r.store.with(r.inTx, func(d *state) error {
		for _, p := range d.purchases {
			if _, ok := wanted[p.State]; !ok {
				continue
			}
			if p.ExpiresAt.IsZero() || p.ExpiresAt.After(before) {
				continue
			}
			result = append(result, p.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Save перезаписывает покупку, проверяя версию (optimistic locking).
func (r *purchaseRepository) Save(_ context.Context, p domain.Purchase) error {
	return r.store.with(r.inTx, func(d *state) error {
		current, ok := d.purchases[p.ID]
		if !ok {
			return domain.ErrPurchaseNotFound
		}
		if current.Version != p.Version {
			return domain.ErrPurchaseVersionConflict
		}
		p.Version++
		d.purchases[p.ID] = p.Clone()
		return nil
	})
}

func (r *purchaseRepository) find(match func(domain.Purchase) bool, notFound error) (domain.Purchase, error) {
	var found domain.Purchase
	err := r.store.with(r.inTx, func(d *state) error {
		for _, p := range d.purchases {
			if match(p) {
				found = p.Clone()
				return nil
			}
		}
		return notFound
	})
	return found, err
}

var _ domain.PurchaseRepository = (*purchaseRepository)(nil)

type paymentRepository struct {
	store *Store
	inTx  bool
}

func (r *paymentRepository) Create(_ context.Context, p domain.Payment) error {
	if errs := p.Validate(); len(errs) > 0 {
		return errs[0]
	}

	return r.store.with(r.inTx, func(d *state) error {
		if _, exists := d.payments[p.ID]; exists {
			return domain.ErrPaymentStatusConflict
		}
		for _, existing := range d.payments {
			if existing.TransactionID == p.TransactionID || existing.PurchaseID == p.PurchaseID {
				return domain.ErrPaymentStatusConflict
			}
		}
		if _, ok := d.purchases[p.PurchaseID]; !ok {
			return domain.ErrPurchaseNotFound
		}
		d.payments[p.ID] = p
		return nil
	})
}

func (r *paymentRepository) Get(_ context.Context, id string) (domain.Payment, error) {
	var payment domain.Payment
	err := r.store.with(r.inTx, func(d *state) error {
		p, ok := d.payments[id]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		payment = p
		return nil
	})
	return payment, err
}

func (r *paymentRepository) GetByTransactionID(_ context.Context, transactionID string) (domain.Payment, error) {
	if transactionID == "" {
		return domain.Payment{}, domain.ErrTransactionIDRequired
	}

	var payment domain.Payment
	err := r.store.with(r.inTx, func(d *state) error {
		for _, p := range d.payments {
			if p.TransactionID == transactionID {
				payment = p
				return nil
			}
		}
		return domain.ErrPaymentNotFound
	})
	return payment, err
}

// UpdateStatus выполняет compare-and-set статуса платежа.
func (r *paymentRepository) UpdateStatus(_ context.Context, id string, from, to domain.PaymentStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return domain.ErrPaymentStatusConflict
	}

	return r.store.with(r.inTx, func(d *state) error {
		p, ok := d.payments[id]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		if p.Status != from {
			return domain.ErrPaymentStatusConflict
		}
		p.Status = to
		p.UpdatedAt = at
		if to == domain.PaymentStatusCompleted {
			stamp := at
			p.CompletedAt = &stamp
		}
		d.payments[id] = p
		return nil
	})
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
