package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

type historyRepository struct {
	q querier
}

func (r *historyRepository) Append(ctx context.Context, rec domain.TransitionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO purchase_history (purchase_id, from_state, to_state, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.PurchaseID, string(rec.From), string(rec.To), rec.Reason, rec.Occurred)
	if err != nil {
		return fmt.Errorf("insert purchase history: %w", err)
	}
	return nil
}

func (r *historyRepository) List(ctx context.Context, purchaseID string) ([]domain.TransitionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT purchase_id, from_state, to_state, reason, occurred_at
		FROM purchase_history
		WHERE purchase_id = $1
		ORDER BY occurred_at ASC, id ASC
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list purchase history: %w", err)
	}
	defer rows.Close()

	records := make([]domain.TransitionRecord, 0)
	for rows.Next() {
		var (
			rec      domain.TransitionRecord
			from, to string
		)
		if err := rows.Scan(&rec.PurchaseID, &from, &to, &rec.Reason, &rec.Occurred); err != nil {
			return nil, fmt.Errorf("scan purchase history: %w", err)
		}
		rec.From = domain.PurchaseState(from)
		rec.To = domain.PurchaseState(to)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchase history: %w", err)
	}

	return records, nil
}

var _ domain.HistoryRepository = (*historyRepository)(nil)

type catalogRepository struct {
	q querier
}

func (r *catalogRepository) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var m domain.Match
	err := r.q.QueryRowContext(ctx, `
		SELECT id, title, starts_at FROM matches WHERE id = $1
	`, id).Scan(&m.ID, &m.Title, &m.StartsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Match{}, domain.ErrMatchNotFound
		}
		return domain.Match{}, fmt.Errorf("select match: %w", err)
	}
	return m, nil
}

func (r *catalogRepository) GetCampaign(ctx context.Context, id string) (domain.MembershipCampaign, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		c              domain.MembershipCampaign
		startsAt, ends sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, title, active, starts_at, ends_at FROM membership_campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.Title, &c.Active, &startsAt, &ends)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MembershipCampaign{}, domain.ErrCampaignNotFound
		}
		return domain.MembershipCampaign{}, fmt.Errorf("select membership campaign: %w", err)
	}
	if startsAt.Valid {
		c.StartsAt = startsAt.Time
	}
	if ends.Valid {
		c.EndsAt = ends.Time
	}
	return c, nil
}

func (r *catalogRepository) UpsertMatch(ctx context.Context, m domain.Match) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO matches (id, title, starts_at) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, starts_at = EXCLUDED.starts_at
	`, m.ID, m.Title, m.StartsAt)
	if err != nil {
		return fmt.Errorf("upsert match: %w", err)
	}
	return nil
}

func (r *catalogRepository) UpsertCampaign(ctx context.Context, c domain.MembershipCampaign) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var startsAt, endsAt sql.NullTime
	if !c.StartsAt.IsZero() {
		startsAt = sql.NullTime{Time: c.StartsAt, Valid: true}
	}
	if !c.EndsAt.IsZero() {
		endsAt = sql.NullTime{Time: c.EndsAt, Valid: true}
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO membership_campaigns (id, title, active, starts_at, ends_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    active = EXCLUDED.active,
		    starts_at = EXCLUDED.starts_at,
		    ends_at = EXCLUDED.ends_at
	`, c.ID, c.Title, c.Active, startsAt, endsAt)
	if err != nil {
		return fmt.Errorf("upsert membership campaign: %w", err)
	}
	return nil
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
