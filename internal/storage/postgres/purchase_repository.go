package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const purchaseColumns = `
	id, owner_id, kind, state, amount_minor, currency, payment_id, version,
	ticket_code, match_id, used_at, campaign_id, shipped_at, delivered_at,
	notes, cancel_reason, created_at, updated_at, completed_at, expires_at`

type purchaseRepository struct {
	q querier
}

func (r *purchaseRepository) Create(ctx context.Context, p domain.Purchase) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		p.ID, p.OwnerID, string(p.Kind), string(p.State), p.AmountMinor, p.Currency, p.PaymentID, p.Version,
		nullString(p.TicketCode), p.MatchID, nullTime(p.UsedAt), p.CampaignID, nullTime(p.ShippedAt), nullTime(p.DeliveredAt),
		p.Notes, p.CancelReason, p.CreatedAt, p.UpdatedAt, nullTime(p.CompletedAt), p.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPurchaseVersionConflict
		}
		return fmt.Errorf("insert purchase: %w", err)
	}

	for i, line := range p.Lines {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO purchase_lines (
				purchase_id, line_no, resource_id, qty, unit_price_minor
			) VALUES ($1,$2,$3,$4,$5)
		`,
			p.ID, i, line.ResourceID, line.Qty, line.UnitPriceMinor,
		); err != nil {
			return fmt.Errorf("insert purchase line: %w", err)
		}
	}

	return nil
}

func (r *purchaseRepository) Get(ctx context.Context, id string) (domain.Purchase, error) {
	return r.getOne(ctx, `WHERE id = $1`, id, domain.ErrPurchaseNotFound)
}

func (r *purchaseRepository) GetByPaymentID(ctx context.Context, paymentID string) (domain.Purchase, error) {
	return r.getOne(ctx, `WHERE payment_id = $1`, paymentID, domain.ErrPurchaseNotFound)
}

func (r *purchaseRepository) GetByTicketCode(ctx context.Context, code string) (domain.Purchase, error) {
	if code == "" {
		return domain.Purchase{}, domain.ErrTicketCodeRequired
	}
	return r.getOne(ctx, `WHERE ticket_code = $1 AND kind = 'ticket'`, code, domain.ErrTicketNotFound)
}

func (r *purchaseRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Purchase, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.q.QueryContext(ctx, query+" LIMIT $2", ownerID, limit)
	} else {
		rows, err = r.q.QueryContext(ctx, query, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}

	return r.collect(ctx, rows)
}

func (r *purchaseRepository) ListExpired(ctx context.Context, states []domain.PurchaseState, before time.Time, limit int) ([]domain.Purchase, error) {
	if len(states) == 0 {
		return []domain.Purchase{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := make([]any, 0, len(states)+2)
	args = append(args, before, limit)
	placeholders := make([]string, 0, len(states))
	for i, s := range states {
		args = append(args, string(s))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE expires_at <= $1
		  AND state IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY expires_at ASC, id ASC
		LIMIT $2
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired purchases: %w", err)
	}

	return r.collect(ctx, rows)
}

// Save обновляет изменяемые поля, если версия в БД совпадает с p.Version.
func (r *purchaseRepository) Save(ctx context.Context, p domain.Purchase) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE purchases
		SET state = $1,
		    used_at = $2,
		    shipped_at = $3,
		    delivered_at = $4,
		    notes = $5,
		    cancel_reason = $6,
		    completed_at = $7,
		    expires_at = $8,
		    updated_at = $9,
		    version = version + 1
		WHERE id = $10
		  AND version = $11
	`,
		string(p.State), nullTime(p.UsedAt), nullTime(p.ShippedAt), nullTime(p.DeliveredAt),
		p.Notes, p.CancelReason, nullTime(p.CompletedAt), p.ExpiresAt, p.UpdatedAt,
		p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update purchase: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.exists(ctx, p.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrPurchaseNotFound
		}
		return domain.ErrPurchaseVersionConflict
	}

	return nil
}

func (r *purchaseRepository) getOne(ctx context.Context, where string, arg any, notFound error) (domain.Purchase, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	p, err := scanPurchase(r.q.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		`+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Purchase{}, notFound
		}
		return domain.Purchase{}, fmt.Errorf("select purchase: %w", err)
	}

	lines, err := r.loadLines(ctx, p.ID)
	if err != nil {
		return domain.Purchase{}, err
	}
	p.Lines = lines

	return p, nil
}

// collect вычитывает строки до конца и только потом догружает позиции:
// внутри транзакции нельзя держать открытый курсор и выполнять новый запрос.
func (r *purchaseRepository) collect(ctx context.Context, rows *sql.Rows) ([]domain.Purchase, error) {
	purchases, err := scanPurchaseRows(rows)
	if err != nil {
		return nil, err
	}

	for i := range purchases {
		lines, err := r.loadLines(ctx, purchases[i].ID)
		if err != nil {
			return nil, err
		}
		purchases[i].Lines = lines
	}
	return purchases, nil
}

func (r *purchaseRepository) loadLines(ctx context.Context, purchaseID string) ([]domain.ReservationLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT resource_id, qty, unit_price_minor
		FROM purchase_lines
		WHERE purchase_id = $1
		ORDER BY line_no ASC
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("load purchase lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.ReservationLine, 0)
	for rows.Next() {
		var line domain.ReservationLine
		if err := rows.Scan(&line.ResourceID, &line.Qty, &line.UnitPriceMinor); err != nil {
			return nil, fmt.Errorf("scan purchase line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchase lines: %w", err)
	}

	return lines, nil
}

func (r *purchaseRepository) exists(ctx context.Context, id string) (bool, error) {
	var found string
	err := r.q.QueryRowContext(ctx, `SELECT id FROM purchases WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check purchase exists: %w", err)
}

func scanPurchaseRows(rows *sql.Rows) ([]domain.Purchase, error) {
	defer rows.Close()

	purchases := make([]domain.Purchase, 0)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase row: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchase rows: %w", err)
	}
	return purchases, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (domain.Purchase, error) {
	var (
		p           domain.Purchase
		kind, state string
		ticketCode  sql.NullString
		usedAt      sql.NullTime
		shippedAt   sql.NullTime
		deliveredAt sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, &kind, &state, &p.AmountMinor, &p.Currency, &p.PaymentID, &p.Version,
		&ticketCode, &p.MatchID, &usedAt, &p.CampaignID, &shippedAt, &deliveredAt,
		&p.Notes, &p.CancelReason, &p.CreatedAt, &p.UpdatedAt, &completedAt, &p.ExpiresAt,
	); err != nil {
		return domain.Purchase{}, err
	}

	p.Kind = domain.PurchaseKind(kind)
	parsed, ok := domain.ParsePurchaseState(state)
	if !ok {
		return domain.Purchase{}, fmt.Errorf("invalid purchase state %q for %s", state, p.ID)
	}
	p.State = parsed
	p.TicketCode = ticketCode.String
	p.UsedAt = timePtr(usedAt)
	p.ShippedAt = timePtr(shippedAt)
	p.DeliveredAt = timePtr(deliveredAt)
	p.CompletedAt = timePtr(completedAt)

	return p, nil
}

var _ domain.PurchaseRepository = (*purchaseRepository)(nil)
