package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const paymentColumns = `
	id, purchase_id, transaction_id, method, status, amount_minor, currency,
	provider_amount_minor, provider_currency, created_at, updated_at, completed_at`

type paymentRepository struct {
	q querier
}

func (r *paymentRepository) Create(ctx context.Context, p domain.Payment) error {
	if errs := p.Validate(); len(errs) > 0 {
		return errs[0]
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		p.ID, p.PurchaseID, p.TransactionID, string(p.Method), string(p.Status), p.AmountMinor, p.Currency,
		p.ProviderAmountMinor, p.ProviderCurrency, p.CreatedAt, p.UpdatedAt, nullTime(p.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentStatusConflict
		}
		if isForeignKeyViolation(err) {
			return domain.ErrPurchaseNotFound
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *paymentRepository) GetByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	if transactionID == "" {
		return domain.Payment{}, domain.ErrTransactionIDRequired
	}
	return r.getOne(ctx, `WHERE transaction_id = $1`, transactionID)
}

// UpdateStatus выполняет compare-and-set: UPDATE ... WHERE status = from.
func (r *paymentRepository) UpdateStatus(ctx context.Context, id string, from, to domain.PaymentStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return domain.ErrPaymentStatusConflict
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var completedAt sql.NullTime
	if to == domain.PaymentStatusCompleted {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    updated_at = $2,
		    completed_at = COALESCE($3, completed_at)
		WHERE id = $4
		  AND status = $5
	`, string(to), at, completedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrPaymentStatusConflict
	}
	return nil
}

func (r *paymentRepository) getOne(ctx context.Context, where string, arg any) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		p              domain.Payment
		method, status string
		completedAt    sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		`+where, arg).Scan(
		&p.ID, &p.PurchaseID, &p.TransactionID, &method, &status, &p.AmountMinor, &p.Currency,
		&p.ProviderAmountMinor, &p.ProviderCurrency, &p.CreatedAt, &p.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}

	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	if !p.Status.Valid() {
		return domain.Payment{}, fmt.Errorf("invalid payment status %q for %s", status, p.ID)
	}
	p.CompletedAt = timePtr(completedAt)
	return p, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
