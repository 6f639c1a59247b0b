package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

type state struct {
	ledger      map[string]domain.LedgerEntry
	purchases   map[string]domain.Purchase
	payments    map[string]domain.Payment
	history     map[string][]domain.TransitionRecord
	matches     map[string]domain.Match
	campaigns   map[string]domain.MembershipCampaign
	idempotency map[string]domain.IdempotencyRecord
}

func newState() *state {
	return &state{
		ledger:      make(map[string]domain.LedgerEntry),
		purchases:   make(map[string]domain.Purchase),
		payments:    make(map[string]domain.Payment),
		history:     make(map[string][]domain.TransitionRecord),
		matches:     make(map[string]domain.Match),
		campaigns:   make(map[string]domain.MembershipCampaign),
		idempotency: make(map[string]domain.IdempotencyRecord),
	}
}

// clone делает копию для отката транзакции. Idempotency-записи живут
// вне транзакций и не копируются.
func (s *state) clone() *state {
	dst := newState()
	for k, v := range s.ledger {
		dst.ledger[k] = v
	}
	for k, v := range s.purchases {
		dst.purchases[k] = v.Clone()
	}
	for k, v := range s.payments {
		dst.payments[k] = v
	}
	for k, v := range s.history {
		dst.history[k] = append([]domain.TransitionRecord(nil), v...)
	}
	for k, v := range s.matches {
		dst.matches[k] = v
	}
	for k, v := range s.campaigns {
		dst.campaigns[k] = v
	}
	dst.idempotency = s.idempotency
	return dst
}

// Store: in-memory единица работы для локальной разработки и тестов.
// Транзакция держит единственный мьютекс целиком, поэтому резерв в ledger
// и проверка остатка сериализованы.
type Store struct {
	mu    sync.Mutex
	data  *state
	clock func() time.Time
}

// StoreOption настраивает Store.
type StoreOption func(*Store)

// WithClock подменяет часы, по которым истекают idempotency-записи.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.clock = now
		}
	}
}

// NewStore создаёт пустое хранилище.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{data: newState(), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// Repositories возвращает репозитории вне транзакции.
func (s *Store) Repositories() domain.Repositories {
	return s.repositories(false)
}

// WithinTx выполняет fn атомарно; при ошибке или панике состояние откатывается.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	defer func() {
		if r := recover(); r != nil {
			s.data = snapshot
			panic(r)
		}
		if err != nil {
			s.data = snapshot
		}
	}()

	return fn(ctx, s.repositories(true))
}

// Idempotency возвращает репозиторий idempotency-ключей.
func (s *Store) Idempotency() domain.IdempotencyRepository {
	return &idempotencyRepository{store: s}
}

func (s *Store) repositories(inTx bool) domain.Repositories {
	return domain.Repositories{
		Ledger:    &ledgerRepository{store: s, inTx: inTx},
		Purchases: &purchaseRepository{store: s, inTx: inTx},
		Payments:  &paymentRepository{store: s, inTx: inTx},
		History:   &historyRepository{store: s, inTx: inTx},
		Catalog:   &catalogRepository{store: s, inTx: inTx},
	}
}

// with выполняет fn под мьютексом, если вызов не внутри транзакции.
func (s *Store) with(inTx bool, fn func(d *state) error) error {
	if !inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.data)
}

var _ domain.Store = (*Store)(nil)
