// Package gateway скрывает платёжных провайдеров за одним контрактом:
// открыть intent, подтвердить его и сообщить терминальный статус.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

// IntentRequest: параметры нового платежа у провайдера.
type IntentRequest struct {
	PurchaseID  string
	AmountMinor int64
	Currency    string
	Description string
}

// Intent: созданный у провайдера платёж.
// Карточный провайдер заполняет ClientSecret, redirect-провайдер заполняет ApprovalURL.
type Intent struct {
	TransactionID       string
	ClientSecret        string
	ApprovalURL         string
	ProviderAmountMinor int64
	ProviderCurrency    string
}

// Gateway: общий контракт платёжного провайдера.
type Gateway interface {
	Method() domain.PaymentMethod
	OpenIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// ConfirmIntent возвращает completed, failed или pending (плательщик ещё не закончил).
	ConfirmIntent(ctx context.Context, transactionID string) (domain.PaymentStatus, error)
}

// Capturer реализуют провайдеры, у которых одобрение и списание идут разными шагами.
type Capturer interface {
	Capture(ctx context.Context, transactionID string) (domain.PaymentStatus, error)
}

// Refunder реализуют провайдеры, умеющие возвращать списанные деньги.
type Refunder interface {
	Refund(ctx context.Context, transactionID string, amountMinor int64, currency string) error
}

// Registry сопоставляет способ оплаты и шлюз.
type Registry struct {
	gateways map[domain.PaymentMethod]Gateway
}

// NewRegistry собирает реестр; последний шлюз для метода побеждает.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[domain.PaymentMethod]Gateway, len(gateways))}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		r.gateways[gw.Method()] = gw
	}
	return r
}

// Get возвращает шлюз или ErrUnsupportedPaymentMethod.
func (r *Registry) Get(method domain.PaymentMethod) (Gateway, error) {
	if r == nil {
		return nil, domain.ErrUnsupportedPaymentMethod
	}
	gw, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedPaymentMethod, method)
	}
	return gw, nil
}

// Methods возвращает поддерживаемые способы оплаты по алфавиту.
func (r *Registry) Methods() []domain.PaymentMethod {
	methods := make([]domain.PaymentMethod, 0, len(r.gateways))
	for m := range r.gateways {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}

// String нужен для логов при старте.
func (r *Registry) String() string {
	names := make([]string, 0, len(r.gateways))
	for _, m := range r.Methods() {
		names = append(names, string(m))
	}
	return strings.Join(names, ",")
}
