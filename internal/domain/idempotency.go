package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// MaxIdempotencyKeyLen ограничивает клиентский ключ без учёта префикса владельца.
const MaxIdempotencyKeyLen = 128

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: запрос принят и ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: ответ сохранён и будет отдан повторно.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: сохранён ответ с ошибкой, повтор получит его же.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord: сохранённый ответ на запрос с Idempotency-Key.
// Key уже включает владельца, см. ScopeIdempotencyKey.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpiredAt сообщает, истёк ли срок хранения записи к моменту now.
func (r IdempotencyRecord) ExpiredAt(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Replayable: запись завершена и повтор получит сохранённый ответ.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// ReplayStatus возвращает сохранённый HTTP-статус или fallback, если он не похож на статус.
func (r IdempotencyRecord) ReplayStatus(fallback int) int {
	if r.HTTPStatus >= 200 && r.HTTPStatus <= 599 {
		return r.HTTPStatus
	}
	return fallback
}

// ScopeIdempotencyKey привязывает клиентский ключ к владельцу:
// одинаковые ключи разных покупателей не пересекаются.
func ScopeIdempotencyKey(ownerID, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrIdempotencyKeyRequired
	}
	if ownerID == "" {
		return "", ErrUnauthenticated
	}
	if len(raw) > MaxIdempotencyKeyLen || strings.IndexFunc(raw, unicode.IsControl) >= 0 {
		return "", ErrIdempotencyKeyInvalid
	}
	return ownerID + ":" + raw, nil
}

// RequestFingerprint: хэш операции и канонического тела запроса.
// Один ключ с другим отпечатком означает ErrIdempotencyHashMismatch.
func RequestFingerprint(operation string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
