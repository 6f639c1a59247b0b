package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

type errorBody struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

// Ошибки запроса, отвечающие 422: запрос корректен, но нарушает правило предметной области.
var unprocessable = []error{
	domain.ErrInsufficientStock,
	domain.ErrIllegalTransition,
	domain.ErrPaymentNotPending,
	domain.ErrPurchaseExpired,
	domain.ErrTicketAlreadyUsed,
	domain.ErrTicketNotValid,
	domain.ErrConsumeWindowClosed,
	domain.ErrMatchStarted,
	domain.ErrCampaignInactive,
	domain.ErrAmountMismatch,
	domain.ErrKindMismatch,
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.ErrorKindUser:
		switch {
		case errors.Is(err, domain.ErrUnauthenticated):
			return http.StatusUnauthorized
		case errors.Is(err, domain.ErrForbidden):
			return http.StatusForbidden
		}
		for _, target := range unprocessable {
			if errors.Is(err, target) {
				return http.StatusUnprocessableEntity
			}
		}
		return http.StatusBadRequest
	case domain.ErrorKindConflict:
		return http.StatusConflict
	case domain.ErrorKindNotFound:
		return http.StatusNotFound
	case domain.ErrorKindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает статусом по виду ошибки. Текст fatal-ошибок наружу не отдаётся.
func (h *Handler) writeError(c echo.Context, operation string, err error) error {
	code := statusFor(err)
	kind := domain.KindOf(err)

	entry := h.logger.WithError(err).WithField("operation", operation)
	message := err.Error()
	if kind == domain.ErrorKindFatal {
		entry.Error("request failed")
		message = "internal error"
	} else {
		entry.WithField("status", code).Debug("request rejected")
	}
	return c.JSON(code, errorBody{Error: message, Kind: kind})
}
