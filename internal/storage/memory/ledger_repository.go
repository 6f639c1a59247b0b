package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

type ledgerRepository struct {
	store *Store
	inTx  bool
}

func (r *ledgerRepository) Get(_ context.Context, resourceID string) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := r.store.with(r.inTx, func(d *state) error {
		e, ok := d.ledger[resourceID]
		if !ok {
			return domain.ErrResourceNotFound
		}
		entry = e
		return nil
	})
	return entry, err
}

// Reserve проверяет остаток и увеличивает резерв под одним мьютексом.
func (r *ledgerRepository) Reserve(_ context.Context, resourceID string, qty int32) (domain.LedgerEntry, error) {
	if qty <= 0 {
		return domain.LedgerEntry{}, domain.ErrItemQtyInvalid
	}

	var entry domain.LedgerEntry
	err := r.store.with(r.inTx, func(d *state) error {
		e, ok := d.ledger[resourceID]
		if !ok {
			return domain.ErrResourceNotFound
		}
		if e.Available() < int64(qty) {
			return fmt.Errorf("%w: resource %s has %d, requested %d", domain.ErrInsufficientStock, resourceID, e.Available(), qty)
		}
		e.Reserved += int64(qty)
		e.UpdatedAt = time.Now().UTC()
		d.ledger[resourceID] = e
		entry = e
		return nil
	})
	return entry, err
}

func (r *ledgerRepository) Release(_ context.Context, resourceID string, qty int32) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	return r.store.with(r.inTx, func(d *state) error {
		e, ok := d.ledger[resourceID]
		if !ok {
			return domain.ErrResourceNotFound
		}
		e.Reserved -= int64(qty)
		if e.Reserved < 0 {
			e.Reserved = 0
		}
		e.UpdatedAt = time.Now().UTC()
		d.ledger[resourceID] = e
		return nil
	})
}

func (r *ledgerRepository) Upsert(_ context.Context, entry domain.LedgerEntry) error {
	if entry.ResourceID == "" {
		return domain.ErrResourceRequired
	}
	if entry.Capacity < 0 || entry.Reserved < 0 || entry.Reserved > entry.Capacity {
		return fmt.Errorf("%w: capacity %d reserved %d", domain.ErrInsufficientStock, entry.Capacity, entry.Reserved)
	}

	return r.store.with(r.inTx, func(d *state) error {
		if entry.UpdatedAt.IsZero() {
			entry.UpdatedAt = time.Now().UTC()
		}
		d.ledger[entry.ResourceID] = entry
		return nil
	})
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
