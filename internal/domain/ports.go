package domain

import (
	"context"
	"time"
)

// LedgerRepository хранит остатки конечных ресурсов.
type LedgerRepository interface {
	// Get возвращает запись или ErrResourceNotFound.
	Get(ctx context.Context, resourceID string) (LedgerEntry, error)
	// Reserve блокирует запись до конца транзакции и увеличивает резерв на qty.
	// При нехватке возвращает ErrInsufficientStock и не меняет запись.
	Reserve(ctx context.Context, resourceID string, qty int32) (LedgerEntry, error)
	// Release возвращает qty единиц в свободный остаток.
	Release(ctx context.Context, resourceID string, qty int32) error
	// Upsert создаёт или обновляет ёмкость и цену записи.
	Upsert(ctx context.Context, entry LedgerEntry) error
}

// PurchaseRepository описывает требования к хранилищу покупок.
type PurchaseRepository interface {
	// Create сохраняет новую покупку вместе с позициями.
	Create(ctx context.Context, p Purchase) error
	// Get возвращает покупку или ErrPurchaseNotFound.
	Get(ctx context.Context, id string) (Purchase, error)
	GetByPaymentID(ctx context.Context, paymentID string) (Purchase, error)
	// GetByTicketCode возвращает билет или ErrTicketNotFound.
	GetByTicketCode(ctx context.Context, code string) (Purchase, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Purchase, error)
	// ListExpired возвращает покупки в одном из states с ExpiresAt <= before.
	ListExpired(ctx context.Context, states []PurchaseState, before time.Time, limit int) ([]Purchase, error)
	// Save применяет изменения с учётом optimistic locking и увеличивает Version.
	Save(ctx context.Context, p Purchase) error
}

// PaymentRepository хранит платежи.
type PaymentRepository interface {
	Create(ctx context.Context, p Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	// GetByTransactionID возвращает платёж или ErrPaymentNotFound.
	GetByTransactionID(ctx context.Context, transactionID string) (Payment, error)
	// UpdateStatus меняет статус только если текущий равен from,
	// иначе возвращает ErrPaymentStatusConflict.
	UpdateStatus(ctx context.Context, id string, from, to PaymentStatus, at time.Time) error
}

// HistoryRepository хранит историю переходов покупки.
type HistoryRepository interface {
	Append(ctx context.Context, rec TransitionRecord) error
	List(ctx context.Context, purchaseID string) ([]TransitionRecord, error)
}

// CatalogRepository отдаёт справочные данные, нужные для проверки покупки.
type CatalogRepository interface {
	GetMatch(ctx context.Context, id string) (Match, error)
	GetCampaign(ctx context.Context, id string) (MembershipCampaign, error)
	UpsertMatch(ctx context.Context, m Match) error
	UpsertCampaign(ctx context.Context, c MembershipCampaign) error
}

// Repositories: набор репозиториев, привязанных к одной транзакции или к пулу.
type Repositories struct {
	Ledger    LedgerRepository
	Purchases PurchaseRepository
	Payments  PaymentRepository
	History   HistoryRepository
	Catalog   CatalogRepository
}

// Store: единица работы поверх хранилища.
type Store interface {
	// Repositories возвращает репозитории вне транзакции.
	Repositories() Repositories
	// WithinTx выполняет fn в одной транзакции; любая ошибка откатывает все изменения.
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Release удаляет незавершённую запись, чтобы ключ можно было повторить.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// FlowStep задаёт константы шагов для метрик и логов.
type FlowStep string

const (
	FlowStepReserve    FlowStep = "reserve"
	FlowStepOpenIntent FlowStep = "open_intent"
	FlowStepConfirm    FlowStep = "confirm"
	FlowStepTransition FlowStep = "transition"
	FlowStepConsume    FlowStep = "consume"
	FlowStepCancel     FlowStep = "cancel"
	FlowStepExpire     FlowStep = "expire"
	FlowStepRefund     FlowStep = "refund"
)
