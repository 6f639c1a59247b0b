package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const ledgerColumns = `resource_id, kind, capacity, reserved, price_minor, currency, match_id, campaign_id, updated_at`

type ledgerRepository struct {
	q querier
}

func (r *ledgerRepository) Get(ctx context.Context, resourceID string) (domain.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanLedgerEntry(r.q.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE resource_id = $1
	`, resourceID))
}

// Reserve блокирует строку (FOR UPDATE), проверяет остаток и увеличивает резерв.
// Вне транзакции блокировка держится только на время одного UPDATE.
func (r *ledgerRepository) Reserve(ctx context.Context, resourceID string, qty int32) (domain.LedgerEntry, error) {
	if qty <= 0 {
		return domain.LedgerEntry{}, domain.ErrItemQtyInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entry, err := scanLedgerEntry(r.q.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE resource_id = $1
		FOR UPDATE
	`, resourceID))
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.Available() < int64(qty) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: resource %s has %d, requested %d", domain.ErrInsufficientStock, resourceID, entry.Available(), qty)
	}

	now := time.Now().UTC()
	res, err := r.q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET reserved = reserved + $2,
		    updated_at = $3
		WHERE resource_id = $1
		  AND capacity - reserved >= $2
	`, resourceID, qty, now)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("reserve ledger entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.LedgerEntry{}, fmt.Errorf("%w: resource %s", domain.ErrInsufficientStock, resourceID)
	}

	entry.Reserved += int64(qty)
	entry.UpdatedAt = now
	return entry, nil
}

func (r *ledgerRepository) Release(ctx context.Context, resourceID string, qty int32) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET reserved = GREATEST(reserved - $2, 0),
		    updated_at = $3
		WHERE resource_id = $1
	`, resourceID, qty, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release ledger entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrResourceNotFound
	}
	return nil
}

func (r *ledgerRepository) Upsert(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.ResourceID == "" {
		return domain.ErrResourceRequired
	}
	if entry.Capacity < 0 || entry.Reserved < 0 || entry.Reserved > entry.Capacity {
		return fmt.Errorf("%w: capacity %d reserved %d", domain.ErrInsufficientStock, entry.Capacity, entry.Reserved)
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (resource_id) DO UPDATE
		SET kind = EXCLUDED.kind,
		    capacity = EXCLUDED.capacity,
		    reserved = EXCLUDED.reserved,
		    price_minor = EXCLUDED.price_minor,
		    currency = EXCLUDED.currency,
		    match_id = EXCLUDED.match_id,
		    campaign_id = EXCLUDED.campaign_id,
		    updated_at = EXCLUDED.updated_at
	`,
		entry.ResourceID, string(entry.Kind), entry.Capacity, entry.Reserved, entry.PriceMinor,
		entry.Currency, entry.MatchID, entry.CampaignID, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}

func scanLedgerEntry(row *sql.Row) (domain.LedgerEntry, error) {
	var (
		entry domain.LedgerEntry
		kind  string
	)
	err := row.Scan(
		&entry.ResourceID, &kind, &entry.Capacity, &entry.Reserved, &entry.PriceMinor,
		&entry.Currency, &entry.MatchID, &entry.CampaignID, &entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrResourceNotFound
		}
		return domain.LedgerEntry{}, fmt.Errorf("select ledger entry: %w", err)
	}
	entry.Kind = domain.ResourceKind(kind)
	return entry, nil
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
