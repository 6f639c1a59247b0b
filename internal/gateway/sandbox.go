package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

// SandboxGateway: шлюз без сети для локального запуска и тестов.
// Итог подтверждения задаётся заранее: для конкретной транзакции или по умолчанию.
type SandboxGateway struct {
	method domain.PaymentMethod

	mu             sync.Mutex
	intents        map[string]IntentRequest
	outcomes       map[string]domain.PaymentStatus
	captured       map[string]bool
	refunded       map[string]bool
	defaultOutcome domain.PaymentStatus
	openErr        error
	confirmErr     error
	refundErr      error
	calls          SandboxCalls
}

// SandboxCalls: счётчики вызовов sandbox-шлюза.
type SandboxCalls struct {
	Open    int
	Confirm int
	Capture int
	Refund  int
}

// NewSandboxGateway возвращает sandbox с успешным сценарием по умолчанию.
func NewSandboxGateway(method domain.PaymentMethod) *SandboxGateway {
	return &SandboxGateway{
		method:         method,
		intents:        make(map[string]IntentRequest),
		outcomes:       make(map[string]domain.PaymentStatus),
		captured:       make(map[string]bool),
		refunded:       make(map[string]bool),
		defaultOutcome: domain.PaymentStatusCompleted,
	}
}

// Method возвращает способ оплаты, под которым sandbox зарегистрирован.
func (s *SandboxGateway) Method() domain.PaymentMethod {
	return s.method
}

// SetDefaultOutcome задаёт результат ConfirmIntent для транзакций без явного сценария.
func (s *SandboxGateway) SetDefaultOutcome(status domain.PaymentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultOutcome = status
}

// SetOutcome задаёт результат ConfirmIntent для конкретной транзакции.
func (s *SandboxGateway) SetOutcome(transactionID string, status domain.PaymentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[transactionID] = status
}

// FailOpen заставляет OpenIntent возвращать err (nil снимает сбой).
func (s *SandboxGateway) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// FailConfirm заставляет ConfirmIntent возвращать err.
func (s *SandboxGateway) FailConfirm(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmErr = err
}

// FailRefund заставляет Refund возвращать err.
func (s *SandboxGateway) FailRefund(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refundErr = err
}

// OpenIntent регистрирует транзакцию sbx_<uuid>.
func (s *SandboxGateway) OpenIntent(_ context.Context, req IntentRequest) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Open++
	if s.openErr != nil {
		return Intent{}, s.openErr
	}

	txID := "sbx_" + uuid.NewString()
	s.intents[txID] = req

	intent := Intent{
		TransactionID:       txID,
		ProviderAmountMinor: req.AmountMinor,
		ProviderCurrency:    strings.ToUpper(req.Currency),
	}
	if s.method == domain.PaymentMethodPayPal {
		intent.ApprovalURL = "https://sandbox.invalid/approve/" + txID
	} else {
		intent.ClientSecret = txID + "_secret"
	}
	return intent, nil
}

// ConfirmIntent возвращает заранее заданный статус.
func (s *SandboxGateway) ConfirmIntent(_ context.Context, transactionID string) (domain.PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Confirm++
	if s.confirmErr != nil {
		return "", s.confirmErr
	}
	if _, ok := s.intents[transactionID]; !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, transactionID)
	}

	status := s.outcomeLocked(transactionID)
	if status == domain.PaymentStatusCompleted {
		s.captured[transactionID] = true
	}
	return status, nil
}

// Capture списывает деньги так же, как ConfirmIntent.
func (s *SandboxGateway) Capture(ctx context.Context, transactionID string) (domain.PaymentStatus, error) {
	s.mu.Lock()
	s.calls.Capture++
	s.mu.Unlock()
	return s.ConfirmIntent(ctx, transactionID)
}

// Refund отмечает транзакцию возвращённой. Возврат до списания отклоняется.
func (s *SandboxGateway) Refund(_ context.Context, transactionID string, _ int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Refund++
	if s.refundErr != nil {
		return s.refundErr
	}
	if _, ok := s.intents[transactionID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, transactionID)
	}
	if !s.captured[transactionID] {
		return fmt.Errorf("%w: %s is not captured", domain.ErrGatewayRejected, transactionID)
	}
	s.refunded[transactionID] = true
	return nil
}

// Calls возвращает снимок счётчиков вызовов.
func (s *SandboxGateway) Calls() SandboxCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Refunded сообщает, был ли возврат по транзакции.
func (s *SandboxGateway) Refunded(transactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunded[transactionID]
}

// Intent возвращает параметры открытой транзакции.
func (s *SandboxGateway) Intent(transactionID string) (IntentRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.intents[transactionID]
	return req, ok
}

func (s *SandboxGateway) outcomeLocked(transactionID string) domain.PaymentStatus {
	if status, ok := s.outcomes[transactionID]; ok {
		return status
	}
	return s.defaultOutcome
}

var (
	_ Gateway  = (*SandboxGateway)(nil)
	_ Capturer = (*SandboxGateway)(nil)
	_ Refunder = (*SandboxGateway)(nil)
)
