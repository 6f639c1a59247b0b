package domain

import "time"

// PaymentMethod определяет платёжный шлюз.
type PaymentMethod string

const (
	// PaymentMethodCard: карточный шлюз с payment intent и client secret.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodPayPal: redirect-шлюз с approval URL и capture.
	PaymentMethodPayPal PaymentMethod = "paypal"
)

// Valid проверяет, что способ оплаты известен.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodPayPal
}

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending: платёж инициирован, но не подтверждён.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted: провайдер подтвердил списание.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed: провайдер отклонил платёж или резерв истёк.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded: деньги возвращены клиенту.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransitionTo: pending -> completed|failed, completed -> refunded.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed
	case PaymentStatusCompleted:
		return next == PaymentStatusRefunded
	default:
		return false
	}
}

// Payment описывает платёж, связанный с покупкой один к одному.
type Payment struct {
	ID            string
	PurchaseID    string
	TransactionID string
	Method        PaymentMethod
	Status        PaymentStatus
	AmountMinor   int64
	Currency      string
	// Сумма после пересчёта в валюту расчётов провайдера.
	ProviderAmountMinor int64
	ProviderCurrency    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	switch {
	case p.PurchaseID == "":
		errs = append(errs, ErrPurchaseIDRequired)
	case !p.Method.Valid():
		errs = append(errs, ErrPaymentMethodRequired)
	case p.TransactionID == "":
		errs = append(errs, ErrTransactionIDRequired)
	case p.AmountMinor < 0:
		errs = append(errs, ErrPaymentAmountNegative)
	}

	return errs
}
