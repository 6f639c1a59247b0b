package domain

import (
	"testing"
	"time"
)

func TestPayment_Validate(t *testing.T) {
	tests := []struct {
		name     string
		payment  *Payment
		errCount int
	}{
		{
			name: "valid payment",
			payment: &Payment{
				PurchaseID:    "purchase-123",
				TransactionID: "pi_123",
				Method:        PaymentMethodCard,
				AmountMinor:   1000,
				Status:        PaymentStatusPending,
				CreatedAt:     time.Now(),
			},
			errCount: 0,
		},
		{
			name: "missing purchase ID",
			payment: &Payment{
				TransactionID: "pi_123",
				Method:        PaymentMethodCard,
				AmountMinor:   1000,
			},
			errCount: 1,
		},
		{
			name: "unknown method",
			payment: &Payment{
				PurchaseID:    "purchase-123",
				TransactionID: "pi_123",
				Method:        "cash",
				AmountMinor:   1000,
			},
			errCount: 1,
		},
		{
			name: "missing transaction",
			payment: &Payment{
				PurchaseID:  "purchase-123",
				Method:      PaymentMethodPayPal,
				AmountMinor: 1000,
			},
			errCount: 1,
		},
		{
			name: "negative amount",
			payment: &Payment{
				PurchaseID:    "purchase-123",
				TransactionID: "pi_123",
				Method:        PaymentMethodCard,
				AmountMinor:   -100,
			},
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.payment.Validate()
			if len(errs) != tt.errCount {
				t.Errorf("Validate() returned %d errors, want %d: %v", len(errs), tt.errCount, errs)
			}
		})
	}
}

func TestPaymentStatus_CanTransitionTo(t *testing.T) {
	allowed := map[PaymentStatus][]PaymentStatus{
		PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed},
		PaymentStatusCompleted: {PaymentStatusRefunded},
	}
	all := []PaymentStatus{PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}
