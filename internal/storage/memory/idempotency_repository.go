package memory

import (
	"context"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

type idempotencyRepository struct {
	store *Store
}

// NewIdempotencyRepository создаёт отдельное in-memory хранилище ключей.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return NewStore().Idempotency()
}

func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)

	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	now := r.store.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}

	var result domain.IdempotencyRecord
	err := r.store.with(false, func(d *state) error {
		if existing, ok := d.idempotency[key]; ok && !existing.ExpiredAt(now) {
			result = cloneIdempotencyRecord(existing)
			if existing.RequestHash != requestHash {
				return domain.ErrIdempotencyHashMismatch
			}
			return domain.ErrIdempotencyKeyAlreadyExists
		}

		record := domain.IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			Status:      domain.IdempotencyStatusProcessing,
			TTLAt:       ttlAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		d.idempotency[key] = record
		result = cloneIdempotencyRecord(record)
		return nil
	})
	return result, err
}

func (r *idempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	var result domain.IdempotencyRecord
	err := r.store.with(false, func(d *state) error {
		record, ok := d.idempotency[key]
		if !ok {
			return domain.ErrIdempotencyKeyNotFound
		}
		result = cloneIdempotencyRecord(record)
		return nil
	})
	return result, err
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *idempotencyRepository) Release(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	return r.store.with(false, func(d *state) error {
		record, ok := d.idempotency[key]
		if !ok {
			return domain.ErrIdempotencyKeyNotFound
		}
		if record.Status == domain.IdempotencyStatusProcessing {
			delete(d.idempotency, key)
		}
		return nil
	})
}

// DeleteExpired удаляет записи с ttl <= before, не больше limit за вызов (если >0).
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.store.now()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	err := r.store.with(false, func(d *state) error {
		for key, record := range d.idempotency {
			if !record.ExpiredAt(before) {
				continue
			}
			delete(d.idempotency, key)
			removed++
			if limit > 0 && removed >= limit {
				break
			}
		}
		return nil
	})
	return removed, err
}

func (r *idempotencyRepository) markStatus(_ context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	return r.store.with(false, func(d *state) error {
		record, ok := d.idempotency[key]
		if !ok {
			return domain.ErrIdempotencyKeyNotFound
		}
		record.Status = status
		record.ResponseBody = append([]byte(nil), responseBody...)
		record.HTTPStatus = httpStatus
		record.UpdatedAt = r.store.now()
		d.idempotency[key] = record
		return nil
	})
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
