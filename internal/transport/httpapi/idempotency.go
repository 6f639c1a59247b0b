package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
)

// withIdempotency выполняет handler не более одного раза на ключ. Повтор с тем же
// ключом и телом получает сохранённый ответ. Ошибка запроса тоже сохраняется,
// а после сбоя шлюза, конфликта или внутренней ошибки ключ освобождается.
// Без заголовка запрос выполняется как обычно.
func (h *Handler) withIdempotency(
	c echo.Context,
	actor domain.Actor,
	method string,
	req any,
	handler func() (int, any, error),
) error {
	rawKey := strings.TrimSpace(c.Request().Header.Get(idempotencyKeyHeader))
	if h.idemRepo == nil || rawKey == "" {
		return h.respond(c, method, handler)
	}
	key, err := domain.ScopeIdempotencyKey(actor.ID, rawKey)
	if err != nil {
		return h.writeError(c, method, err)
	}
	ctx := c.Request().Context()
	entry := h.logger.WithFields(log.Fields{"method": method, "idempotency_key": rawKey})

	reqHash, err := buildRequestHash(method, req)
	if err != nil {
		entry.WithError(err).Warn("failed to build idempotency request hash")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to initialize idempotency request", Kind: domain.ErrorKindFatal})
	}

	record, err := h.idemRepo.CreateProcessing(ctx, key, reqHash, h.now().Add(idempotencyTTL))
	if err != nil {
		return h.replay(c, entry, err, record)
	}

	status, resp, runErr := handler()
	if runErr != nil {
		if !cacheableFailure(runErr) {
			if relErr := h.idemRepo.Release(ctx, key); relErr != nil {
				entry.WithError(relErr).Warn("failed to release idempotency key")
			}
			return h.writeError(c, method, runErr)
		}
		payload, encErr := json.Marshal(errorBody{Error: runErr.Error(), Kind: domain.KindOf(runErr)})
		if encErr != nil {
			entry.WithError(encErr).Warn("failed to encode idempotency failure payload")
			payload = nil
		}
		if markErr := h.idemRepo.MarkFailed(ctx, key, payload, statusFor(runErr)); markErr != nil {
			entry.WithError(markErr).Warn("failed to store idempotency failure response")
		}
		return h.writeError(c, method, runErr)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		entry.WithError(err).Warn("failed to encode idempotent success response")
	} else if err := h.idemRepo.MarkDone(ctx, key, data, status); err != nil {
		entry.WithError(err).Warn("failed to store idempotent success response")
	}
	return c.JSON(status, resp)
}

// cacheableFailure: повтор того же запроса получит ту же ошибку.
func cacheableFailure(err error) bool {
	switch domain.KindOf(err) {
	case domain.ErrorKindUser, domain.ErrorKindNotFound:
		return true
	default:
		return false
	}
}

func (h *Handler) respond(c echo.Context, method string, handler func() (int, any, error)) error {
	status, resp, err := handler()
	if err != nil {
		return h.writeError(c, method, err)
	}
	return c.JSON(status, resp)
}

func (h *Handler) replay(c echo.Context, entry *log.Entry, createErr error, record domain.IdempotencyRecord) error {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return c.JSON(http.StatusConflict, errorBody{
			Error: "idempotency key is already used with different request payload",
			Kind:  domain.ErrorKindConflict,
		})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.ResponseBody) == 0 {
				return c.JSON(http.StatusInternalServerError, errorBody{Error: "idempotency cache is empty", Kind: domain.ErrorKindFatal})
			}
			return c.JSONBlob(record.ReplayStatus(http.StatusOK), record.ResponseBody)
		case domain.IdempotencyStatusProcessing:
			return c.JSON(http.StatusConflict, errorBody{
				Error: "request with the same idempotency key is already processing",
				Kind:  domain.ErrorKindConflict,
			})
		case domain.IdempotencyStatusFailed:
			if len(record.ResponseBody) == 0 {
				return c.JSON(record.ReplayStatus(http.StatusInternalServerError), errorBody{
					Error: "previous request with the same idempotency key failed",
					Kind:  domain.ErrorKindFatal,
				})
			}
			return c.JSONBlob(record.ReplayStatus(http.StatusInternalServerError), record.ResponseBody)
		default:
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "unknown idempotency record status", Kind: domain.ErrorKindFatal})
		}
	default:
		entry.WithError(createErr).Warn("failed to create idempotency record")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to initialize idempotency request", Kind: domain.ErrorKindFatal})
	}
}

// buildRequestHash: json.Marshal структуры детерминирован, поэтому хэш не зависит
// от порядка полей в исходном теле.
func buildRequestHash(method string, req any) (string, error) {
	if req == nil {
		return "", errors.New("request is nil")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return domain.RequestFingerprint(method, data), nil
}
