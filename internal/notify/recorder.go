package notify

import (
	"context"
	"sync"
)

// Recorder запоминает уведомления в памяти; нужен тестам и sandbox-режиму.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

// NewRecorder создаёт пустой Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith заставляет Publish возвращать err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish сохраняет уведомление.
func (r *Recorder) Publish(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent возвращает копию отправленных уведомлений.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

var _ Publisher = (*Recorder)(nil)
