// Package httpapi публикует сценарии покупок по HTTP (echo, bearer JWT).
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/service/purchase"
)

// Handler обслуживает /v1 API покупок.
type Handler struct {
	svc      *purchase.Service
	idemRepo domain.IdempotencyRepository
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Handler.
type Option func(*Handler)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithIdempotency включает обработку заголовка Idempotency-Key для initiate.
func WithIdempotency(repo domain.IdempotencyRepository) Option {
	return func(h *Handler) { h.idemRepo = repo }
}

// WithClock подменяет источник времени для TTL ключей идемпотентности.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler создает HTTP-обработчик над сервисом покупок.
func NewHandler(svc *purchase.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:    svc,
		logger: log.WithField("component", "http-api"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register регистрирует маршруты /v1 за JWT middleware.
func (h *Handler) Register(e *echo.Echo, jwtSecret string) {
	v1 := e.Group("/v1", JWTAuth(jwtSecret))

	purchases := v1.Group("/purchases")
	purchases.POST("/initiate", h.Initiate)
	purchases.POST("/confirm", h.Confirm)
	purchases.GET("", h.List)
	purchases.GET("/:id", h.Get)
	purchases.POST("/:id/cancel", h.Cancel)
	purchases.POST("/:id/transition", h.Transition, RequireRole(domain.RoleAdmin, domain.RoleSystem))

	v1.POST("/tickets/consume", h.Consume, RequireRole(domain.RoleStaff, domain.RoleAdmin, domain.RoleSystem))
}

type itemRequest struct {
	ResourceID string `json:"resource_id"`
	Qty        int32  `json:"qty"`
}

type initiateRequest struct {
	Kind                string        `json:"kind"`
	Items               []itemRequest `json:"items"`
	ExpectedAmountMinor *int64        `json:"expected_amount_minor,omitempty"`
	Currency            string        `json:"currency,omitempty"`
	Method              string        `json:"method"`
}

type initiateResponse struct {
	PurchaseID          string    `json:"purchase_id"`
	TransactionID       string    `json:"transaction_id"`
	ClientSecret        string    `json:"client_secret,omitempty"`
	ApprovalURL         string    `json:"approval_url,omitempty"`
	AmountMinor         int64     `json:"amount_minor"`
	Currency            string    `json:"currency"`
	ProviderAmountMinor int64     `json:"provider_amount_minor,omitempty"`
	ProviderCurrency    string    `json:"provider_currency,omitempty"`
	State               string    `json:"state"`
	TicketCode          string    `json:"ticket_code,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

type stateResponse struct {
	PurchaseID string `json:"purchase_id"`
	State      string `json:"state"`
}

type consumeResponse struct {
	IsValid bool   `json:"is_valid"`
	Message string `json:"message"`
}

type historyView struct {
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

type paymentView struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

type lineView struct {
	ResourceID     string `json:"resource_id"`
	Qty            int32  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

type purchaseView struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Kind         string        `json:"kind"`
	State        string        `json:"state"`
	AmountMinor  int64         `json:"amount_minor"`
	Currency     string        `json:"currency"`
	Lines        []lineView    `json:"lines"`
	TicketCode   string        `json:"ticket_code,omitempty"`
	MatchID      string        `json:"match_id,omitempty"`
	CampaignID   string        `json:"campaign_id,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	ShippedAt    *time.Time    `json:"shipped_at,omitempty"`
	DeliveredAt  *time.Time    `json:"delivered_at,omitempty"`
	UsedAt       *time.Time    `json:"used_at,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Version      int64         `json:"version"`
	Payment      *paymentView  `json:"payment,omitempty"`
	History      []historyView `json:"history,omitempty"`
}

// Initiate обрабатывает POST /v1/purchases/initiate.
func (h *Handler) Initiate(c echo.Context) error {
	var body initiateRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: domain.ErrorKindUser})
	}
	actor := actorFrom(c)

	return h.withIdempotency(c, actor, "initiate", body, func() (int, any, error) {
		items := make([]domain.ItemRequest, 0, len(body.Items))
		for _, it := range body.Items {
			items = append(items, domain.ItemRequest{ResourceID: strings.TrimSpace(it.ResourceID), Qty: it.Qty})
		}

		pending, err := h.svc.Initiate(c.Request().Context(), actor, domain.PurchaseKind(body.Kind), purchase.InitiateRequest{
			Items:               items,
			Method:              domain.PaymentMethod(body.Method),
			ExpectedAmountMinor: body.ExpectedAmountMinor,
			Currency:            strings.ToUpper(strings.TrimSpace(body.Currency)),
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, initiateResponse{
			PurchaseID:          pending.PurchaseID,
			TransactionID:       pending.TransactionID,
			ClientSecret:        pending.ClientSecret,
			ApprovalURL:         pending.ApprovalURL,
			AmountMinor:         pending.AmountMinor,
			Currency:            pending.Currency,
			ProviderAmountMinor: pending.ProviderAmountMinor,
			ProviderCurrency:    pending.ProviderCurrency,
			State:               string(pending.State),
			TicketCode:          pending.TicketCode,
			ExpiresAt:           pending.ExpiresAt,
		}, nil
	})
}

// Confirm обрабатывает POST /v1/purchases/confirm.
func (h *Handler) Confirm(c echo.Context) error {
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: domain.ErrorKindUser})
	}

	p, err := h.svc.Confirm(c.Request().Context(), actorFrom(c), strings.TrimSpace(body.TransactionID))
	if err != nil {
		return h.writeError(c, "confirm", err)
	}
	return c.JSON(http.StatusOK, stateResponse{PurchaseID: p.ID, State: string(p.State)})
}

// Transition обрабатывает POST /v1/purchases/:id/transition.
func (h *Handler) Transition(c echo.Context) error {
	var body struct {
		TargetState string `json:"target_state"`
		Notes       string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: domain.ErrorKindUser})
	}

	p, err := h.svc.Transition(c.Request().Context(), actorFrom(c), c.Param("id"),
		domain.PurchaseState(strings.ToLower(strings.TrimSpace(body.TargetState))), body.Notes)
	if err != nil {
		return h.writeError(c, "transition", err)
	}
	return c.JSON(http.StatusOK, stateResponse{PurchaseID: p.ID, State: string(p.State)})
}

// Cancel обрабатывает POST /v1/purchases/:id/cancel. Тело необязательно.
func (h *Handler) Cancel(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: domain.ErrorKindUser})
		}
	}

	p, err := h.svc.Cancel(c.Request().Context(), actorFrom(c), c.Param("id"), strings.TrimSpace(body.Reason))
	if err != nil {
		return h.writeError(c, "cancel", err)
	}
	return c.JSON(http.StatusOK, stateResponse{PurchaseID: p.ID, State: string(p.State)})
}

// Consume обрабатывает POST /v1/tickets/consume. Отказ по билету считается ответом
// контролёру, а не ошибкой API: 200 с is_valid=false.
func (h *Handler) Consume(c echo.Context) error {
	var body struct {
		TicketCode string `json:"ticket_code"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: domain.ErrorKindUser})
	}

	result, err := h.svc.Consume(c.Request().Context(), actorFrom(c), body.TicketCode)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.ErrorKindUser, domain.ErrorKindNotFound:
			if code := statusFor(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
				return h.writeError(c, "consume", err)
			}
			if result.Message == "" {
				result.Message = err.Error()
			}
			return c.JSON(http.StatusOK, consumeResponse{IsValid: false, Message: result.Message})
		default:
			return h.writeError(c, "consume", err)
		}
	}
	return c.JSON(http.StatusOK, consumeResponse{IsValid: result.IsValid, Message: result.Message})
}

// Get обрабатывает GET /v1/purchases/:id.
func (h *Handler) Get(c echo.Context) error {
	details, err := h.svc.Get(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return h.writeError(c, "get", err)
	}

	view := toPurchaseView(details.Purchase)
	view.Payment = &paymentView{
		ID:            details.Payment.ID,
		TransactionID: details.Payment.TransactionID,
		Method:        string(details.Payment.Method),
		Status:        string(details.Payment.Status),
		AmountMinor:   details.Payment.AmountMinor,
		Currency:      details.Payment.Currency,
	}
	view.History = make([]historyView, 0, len(details.History))
	for _, rec := range details.History {
		view.History = append(view.History, historyView{
			From:     string(rec.From),
			To:       string(rec.To),
			Reason:   rec.Reason,
			Occurred: rec.Occurred,
		})
	}
	return c.JSON(http.StatusOK, view)
}

// List обрабатывает GET /v1/purchases?owner_id=&limit=.
func (h *Handler) List(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid limit", Kind: domain.ErrorKindUser})
		}
	}

	list, err := h.svc.ListByOwner(c.Request().Context(), actorFrom(c), c.QueryParam("owner_id"), limit)
	if err != nil {
		return h.writeError(c, "list", err)
	}
	views := make([]purchaseView, 0, len(list))
	for _, p := range list {
		views = append(views, toPurchaseView(p))
	}
	return c.JSON(http.StatusOK, echo.Map{"purchases": views})
}

func toPurchaseView(p domain.Purchase) purchaseView {
	lines := make([]lineView, 0, len(p.Lines))
	for _, l := range p.Lines {
		lines = append(lines, lineView{ResourceID: l.ResourceID, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}
	return purchaseView{
		ID:           p.ID,
		OwnerID:      p.OwnerID,
		Kind:         string(p.Kind),
		State:        string(p.State),
		AmountMinor:  p.AmountMinor,
		Currency:     p.Currency,
		Lines:        lines,
		TicketCode:   p.TicketCode,
		MatchID:      p.MatchID,
		CampaignID:   p.CampaignID,
		Notes:        p.Notes,
		CancelReason: p.CancelReason,
		ShippedAt:    p.ShippedAt,
		DeliveredAt:  p.DeliveredAt,
		UsedAt:       p.UsedAt,
		ExpiresAt:    p.ExpiresAt,
		Version:      p.Version,
	}
}
