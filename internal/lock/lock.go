// Package lock сериализует подтверждение оплаты по transaction id.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked возвращается, если ключ уже захвачен.
var ErrLocked = errors.New("lock is held by another caller")

// Locker захватывает ключ на время ttl. release снимает только собственный захват.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Memory: Locker в памяти процесса.
type Memory struct {
	now func() time.Time

	mu    sync.Mutex
	locks map[string]memoryLock
	seq   uint64
}

type memoryLock struct {
	token     uint64
	expiresAt time.Time
}

// NewMemory создаёт Locker в памяти процесса.
func NewMemory() *Memory {
	return &Memory{now: time.Now, locks: make(map[string]memoryLock)}
}

// Acquire захватывает ключ или возвращает ErrLocked.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[key]; ok && now.Before(held.expiresAt) {
		return nil, ErrLocked
	}

	m.seq++
	token := m.seq
	m.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if held, ok := m.locks[key]; ok && held.token == token {
			delete(m.locks, key)
		}
	}, nil
}

var _ Locker = (*Memory)(nil)
