package domain

import "errors"

var (
	// Ошибка отсутствующего владельца покупки.
	ErrOwnerRequired = errors.New("owner_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одной позиции в покупке.
	ErrItemsRequired = errors.New("purchase must contain at least one item")
	// Ошибка отрицательной суммы покупки.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка при некорректном количестве (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы покупки и сумм позиций.
	ErrAmountMismatch = errors.New("purchase amount does not match reserved items")
	// Ошибка отсутствующего ресурса в позиции.
	ErrResourceRequired = errors.New("resource_id is required")
	// ErrUnknownPurchaseKind возвращается для неподдерживаемого вида покупки.
	ErrUnknownPurchaseKind = errors.New("unknown purchase kind")
	// ErrKindMismatch возвращается, если операция не применима к виду покупки.
	ErrKindMismatch = errors.New("operation is not supported for this purchase kind")
	// ErrResourceKindMismatch: ресурс из ledger не подходит для вида покупки.
	ErrResourceKindMismatch = errors.New("resource cannot be purchased with this purchase kind")
	// ErrSingleItemRequired: билет и членство покупаются поштучно.
	ErrSingleItemRequired = errors.New("purchase kind allows exactly one item with qty 1")
	// ErrMixedCurrencies возвращается, если позиции заказа в разных валютах.
	ErrMixedCurrencies = errors.New("reserved items have different currencies")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// Ошибка отсутствующего способа оплаты.
	ErrPaymentMethodRequired = errors.New("payment method is required")
	// ErrUnsupportedPaymentMethod возвращается, если шлюз для способа оплаты не настроен.
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	// Ошибка отсутствующего идентификатора покупки в платеже.
	ErrPurchaseIDRequired = errors.New("purchase_id is required")
	// ErrPaymentIDRequired: покупка создаётся только вместе с платежом.
	ErrPaymentIDRequired = errors.New("payment_id is required")
	// ErrTransactionIDRequired возвращается при пустом transaction id.
	ErrTransactionIDRequired = errors.New("transaction_id is required")
	// ErrTicketCodeRequired возвращается при пустом коде билета.
	ErrTicketCodeRequired = errors.New("ticket_code is required")

	// ErrInsufficientStock: в ledger не хватает единиц ресурса.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPurchaseVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrPurchaseVersionConflict = errors.New("purchase version conflict")
	// ErrPaymentStatusConflict: статус платежа уже изменён другим запросом.
	ErrPaymentStatusConflict = errors.New("payment status changed concurrently")
	// ErrReservationNotExpired: срок резерва ещё не вышел, отменять по таймауту рано.
	ErrReservationNotExpired = errors.New("purchase reservation has not expired yet")
	// ErrConfirmInProgress: подтверждение той же транзакции уже выполняется.
	ErrConfirmInProgress = errors.New("confirmation for this transaction is already in progress")
	// ErrIllegalTransition: запрошенный переход не разрешён из текущего состояния.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrPaymentNotPending: платёж уже в терминальном неуспешном статусе.
	ErrPaymentNotPending = errors.New("payment is not pending")
	// ErrPurchaseExpired: резерв истёк до подтверждения оплаты.
	ErrPurchaseExpired = errors.New("purchase reservation expired")
	// ErrTicketAlreadyUsed: билет уже погашен.
	ErrTicketAlreadyUsed = errors.New("ticket already used")
	// ErrTicketNotValid: билет не оплачен или отменён.
	ErrTicketNotValid = errors.New("ticket is not valid")
	// ErrConsumeWindowClosed: окно прохода по билету закрыто.
	ErrConsumeWindowClosed = errors.New("ticket consumption window is closed")
	// ErrMatchStarted: матч уже начался, билеты не продаются.
	ErrMatchStarted = errors.New("match has already started")
	// ErrCampaignInactive: кампания членства не активна.
	ErrCampaignInactive = errors.New("membership campaign is not active")
	// ErrForbidden: у вызывающего нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated: нет идентичности вызывающего.
	ErrUnauthenticated = errors.New("caller identity is required")
	// ErrPaymentDeclined: платёж отклонён провайдером.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPaymentNotApproved: плательщик ещё не завершил оплату у провайдера.
	ErrPaymentNotApproved = errors.New("payment is not approved by payer yet")

	// ErrPurchaseNotFound возвращается, если покупка не найдена.
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrResourceNotFound возвращается, если записи ledger нет.
	ErrResourceNotFound = errors.New("ledger resource not found")
	// ErrMatchNotFound возвращается, если матч не найден.
	ErrMatchNotFound = errors.New("match not found")
	// ErrCampaignNotFound возвращается, если кампания не найдена.
	ErrCampaignNotFound = errors.New("membership campaign not found")
	// ErrTicketNotFound возвращается, если билета с таким кодом нет.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrGatewayUnavailable: временная недоступность платёжного шлюза.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected: шлюз отклонил запрос как некорректный.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrTransactionNotFound: шлюз не знает такую транзакцию.
	ErrTransactionNotFound = errors.New("gateway transaction not found")

	// ErrInvalidTransitionTable: таблица переходов ссылается на неизвестное состояние.
	ErrInvalidTransitionTable = errors.New("invalid transition table")

	// ErrIdempotencyKeyRequired возвращается, если idempotency-key не передан.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyKeyInvalid: ключ слишком длинный или содержит управляющие символы.
	ErrIdempotencyKeyInvalid = errors.New("idempotency key is invalid")
	// ErrIdempotencyRequestHashRequired возвращается, если хэш запроса пуст.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists означает повторный запрос с тем же ключом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch: ключ уже использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound возвращается, если записи нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// ErrorKind классифицирует ошибки для вызывающей стороны.
type ErrorKind string

const (
	// ErrorKindUser: ошибка запроса, повтор без изменений бессмыслен.
	ErrorKindUser ErrorKind = "user"
	// ErrorKindConflict: конкурентное изменение, можно повторить.
	ErrorKindConflict ErrorKind = "conflict"
	// ErrorKindGateway: сбой или отказ платёжного шлюза.
	ErrorKindGateway ErrorKind = "gateway"
	// ErrorKindNotFound: сущность не найдена.
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindFatal: всё остальное.
	ErrorKindFatal ErrorKind = "fatal"
)

var errorKinds = []struct {
	kind ErrorKind
	errs []error
}{
	{ErrorKindNotFound, []error{
		ErrPurchaseNotFound, ErrPaymentNotFound, ErrResourceNotFound,
		ErrMatchNotFound, ErrCampaignNotFound, ErrTicketNotFound,
		ErrIdempotencyKeyNotFound,
	}},
	{ErrorKindConflict, []error{
		ErrPurchaseVersionConflict, ErrPaymentStatusConflict, ErrConfirmInProgress, ErrReservationNotExpired,
		ErrIdempotencyKeyAlreadyExists, ErrIdempotencyHashMismatch,
	}},
	{ErrorKindGateway, []error{
		ErrGatewayUnavailable, ErrGatewayRejected, ErrTransactionNotFound,
		ErrPaymentDeclined, ErrPaymentNotApproved,
	}},
	{ErrorKindUser, []error{
		ErrOwnerRequired, ErrCurrencyRequired, ErrItemsRequired, ErrAmountNegative,
		ErrItemQtyInvalid, ErrItemPriceInvalid, ErrAmountMismatch, ErrResourceRequired,
		ErrUnknownPurchaseKind, ErrKindMismatch, ErrResourceKindMismatch, ErrSingleItemRequired,
		ErrMixedCurrencies, ErrPaymentAmountNegative, ErrPaymentMethodRequired,
		ErrUnsupportedPaymentMethod, ErrPurchaseIDRequired, ErrPaymentIDRequired, ErrTransactionIDRequired,
		ErrTicketCodeRequired, ErrInsufficientStock, ErrIllegalTransition, ErrPaymentNotPending,
		ErrPurchaseExpired, ErrTicketAlreadyUsed, ErrTicketNotValid, ErrConsumeWindowClosed,
		ErrMatchStarted, ErrCampaignInactive, ErrForbidden, ErrUnauthenticated,
		ErrIdempotencyKeyRequired, ErrIdempotencyKeyInvalid,
	}},
}

// KindOf возвращает категорию ошибки. Неизвестные ошибки считаются fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, group := range errorKinds {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return ErrorKindFatal
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrPurchaseVersionConflict)
}

// IsIdempotencyConflict проверяет, связана ли ошибка с повтором idempotency-key.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
