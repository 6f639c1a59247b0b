package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
	"github.com/vladislavdragonenkov/purchases/internal/notify"
	"github.com/vladislavdragonenkov/purchases/internal/service/purchase"
	"github.com/vladislavdragonenkov/purchases/internal/storage/memory"
)

const testSecret = "test-secret"

var kickoff = time.Now().UTC().Truncate(time.Hour).Add(72 * time.Hour)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type apiEnv struct {
	e     *echo.Echo
	store *memory.Store
	card  *gateway.SandboxGateway
	clock *clock
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()

	env := &apiEnv{
		e:     echo.New(),
		card:  gateway.NewSandboxGateway(domain.PaymentMethodCard),
		clock: &clock{now: kickoff.Add(-3 * time.Hour)},
	}
	env.store = memory.NewStore(memory.WithClock(env.clock.Now))
	ctx := context.Background()
	repos := env.store.Repositories()
	require.NoError(t, repos.Ledger.Upsert(ctx, domain.LedgerEntry{
		ResourceID: "size-5", Kind: domain.ResourceKindProductSize, Capacity: 3, PriceMinor: 1000, Currency: "USD",
	}))
	require.NoError(t, repos.Ledger.Upsert(ctx, domain.LedgerEntry{
		ResourceID: "sector-a", Kind: domain.ResourceKindTicketSector, Capacity: 10, PriceMinor: 2500, Currency: "EUR", MatchID: "match-1",
	}))
	require.NoError(t, repos.Catalog.UpsertMatch(ctx, domain.Match{ID: "match-1", Title: "Derby", StartsAt: kickoff}))

	svc := purchase.NewService(env.store,
		gateway.NewRegistry(env.card, gateway.NewSandboxGateway(domain.PaymentMethodPayPal)),
		purchase.WithDispatcher(notify.NewDispatcher(notify.NewRecorder())),
		purchase.WithClock(env.clock.Now),
	)
	NewHandler(svc, WithIdempotency(env.store.Idempotency()), WithClock(env.clock.Now)).Register(env.e, testSecret)
	return env
}

func token(t *testing.T, sub string, role domain.Role) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (env *apiEnv) do(t *testing.T, method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func orderBody(qty int32) initiateRequest {
	return initiateRequest{
		Kind:   "order",
		Items:  []itemRequest{{ResourceID: "size-5", Qty: qty}},
		Method: "card",
	}
}

func TestAuth(t *testing.T) {
	env := newAPI(t)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1", "role": "admin"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "customer"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		bearer string
	}{
		{name: "missing token", bearer: ""},
		{name: "wrong signature", bearer: forged},
		{name: "no subject", bearer: noSubject},
		{name: "garbage", bearer: "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/purchases/initiate", tt.bearer, orderBody(1))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestInitiateConfirmAndGet(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)

	rec := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[initiateResponse](t, rec)
	assert.Equal(t, int64(2000), created.AmountMinor)
	assert.Equal(t, "USD", created.Currency)
	assert.Equal(t, "initiated", created.State)
	assert.NotEmpty(t, created.ClientSecret)
	assert.True(t, created.ExpiresAt.After(env.clock.Now()))

	rec = env.do(t, http.MethodPost, "/v1/purchases/confirm", customer, echo.Map{"transaction_id": created.TransactionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, stateResponse{PurchaseID: created.PurchaseID, State: "processing"}, decode[stateResponse](t, rec))

	rec = env.do(t, http.MethodGet, "/v1/purchases/"+created.PurchaseID, customer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[purchaseView](t, rec)
	assert.Equal(t, "processing", view.State)
	require.NotNil(t, view.Payment)
	assert.Equal(t, "completed", view.Payment.Status)
	require.Len(t, view.History, 2)
	assert.Equal(t, "processing", view.History[1].To)

	rec = env.do(t, http.MethodGet, "/v1/purchases/"+created.PurchaseID, token(t, "user-2", domain.RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/purchases", customer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Purchases []purchaseView `json:"purchases"`
	}](t, rec)
	require.Len(t, list.Purchases, 1)
}

func TestInitiate_ErrorStatuses(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)
	wrongAmount := int64(1)

	tests := []struct {
		name string
		body initiateRequest
		want int
	}{
		{name: "unknown kind", body: initiateRequest{Kind: "car", Items: []itemRequest{{ResourceID: "size-5", Qty: 1}}, Method: "card"}, want: http.StatusBadRequest},
		{name: "insufficient stock", body: orderBody(4), want: http.StatusUnprocessableEntity},
		{name: "unknown resource", body: initiateRequest{Kind: "order", Items: []itemRequest{{ResourceID: "nope", Qty: 1}}, Method: "card"}, want: http.StatusNotFound},
		{
			name: "amount mismatch",
			body: initiateRequest{Kind: "order", Items: []itemRequest{{ResourceID: "size-5", Qty: 1}}, Method: "card", ExpectedAmountMinor: &wrongAmount},
			want: http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	env.card.FailOpen(domain.ErrGatewayUnavailable)
	rec := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, domain.ErrorKindGateway, decode[errorBody](t, rec).Kind)
}

func TestInitiate_IdempotencyKey(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)

	first := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replayed := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, replayed.Code)
	assert.JSONEq(t, first.Body.String(), replayed.Body.String())

	entry, err := env.store.Repositories().Ledger.Get(context.Background(), "size-5")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Available())

	mismatch := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(2), "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, mismatch.Code)

	// Тот же ключ другого пользователя: независимый запрос.
	other := env.do(t, http.MethodPost, "/v1/purchases/initiate", token(t, "user-2", domain.RoleCustomer), orderBody(1), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, other.Code)
	assert.NotEqual(t, decode[initiateResponse](t, first).PurchaseID, decode[initiateResponse](t, other).PurchaseID)

	failed := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(3), "Idempotency-Key", "k-2")
	require.Equal(t, http.StatusUnprocessableEntity, failed.Code)
	again := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(3), "Idempotency-Key", "k-2")
	assert.Equal(t, http.StatusUnprocessableEntity, again.Code)
	assert.JSONEq(t, failed.Body.String(), again.Body.String())

	tooLong := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1),
		"Idempotency-Key", strings.Repeat("k", domain.MaxIdempotencyKeyLen+1))
	assert.Equal(t, http.StatusBadRequest, tooLong.Code)
}

func TestInitiate_IdempotencyKeyRetriesAfterGatewayFailure(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)

	env.card.FailOpen(domain.ErrGatewayUnavailable)
	failed := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-gw")
	require.Equal(t, http.StatusBadGateway, failed.Code, failed.Body.String())

	env.card.FailOpen(nil)
	retried := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-gw")
	require.Equal(t, http.StatusCreated, retried.Code, retried.Body.String())

	replayed := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-gw")
	require.Equal(t, http.StatusCreated, replayed.Code)
	assert.JSONEq(t, retried.Body.String(), replayed.Body.String())

	entry, err := env.store.Repositories().Ledger.Get(context.Background(), "size-5")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Available(), "failed attempt must not hold stock")
}

func TestInitiate_IdempotencyKeyOutlivesWallClock(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)

	first := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-clock")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	env.clock.Set(env.clock.Now().Add(idempotencyTTL - time.Minute))
	replayed := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-clock")
	require.Equal(t, http.StatusCreated, replayed.Code)
	assert.JSONEq(t, first.Body.String(), replayed.Body.String())

	env.clock.Set(env.clock.Now().Add(2 * time.Minute))
	fresh := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1), "Idempotency-Key", "k-clock")
	require.Equal(t, http.StatusCreated, fresh.Code, fresh.Body.String())
	assert.NotEqual(t, decode[initiateResponse](t, first).PurchaseID, decode[initiateResponse](t, fresh).PurchaseID)
}

func TestTransition_AdminOnly(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)
	admin := token(t, "admin-1", domain.RoleAdmin)

	created := decode[initiateResponse](t, env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1)))
	path := "/v1/purchases/" + created.PurchaseID + "/transition"

	rec := env.do(t, http.MethodPost, path, customer, echo.Map{"target_state": "confirmed"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/purchases/confirm", customer, echo.Map{"transaction_id": created.TransactionID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, path, admin, echo.Map{"target_state": "shipped"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, domain.ErrorKindUser, decode[errorBody](t, rec).Kind)

	rec = env.do(t, http.MethodPost, path, admin, echo.Map{"target_state": "teleported"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, path, admin, echo.Map{"target_state": "confirmed", "notes": "packed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[stateResponse](t, rec).State)

	rec = env.do(t, http.MethodPost, "/v1/purchases/missing/transition", admin, echo.Map{"target_state": "confirmed"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)

	created := decode[initiateResponse](t, env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, orderBody(1)))

	rec := env.do(t, http.MethodPost, "/v1/purchases/"+created.PurchaseID+"/cancel", token(t, "user-2", domain.RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/purchases/"+created.PurchaseID+"/cancel", customer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[stateResponse](t, rec).State)

	rec = env.do(t, http.MethodPost, "/v1/purchases/"+created.PurchaseID+"/cancel", customer, echo.Map{"reason": "again"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestConsume(t *testing.T) {
	env := newAPI(t)
	customer := token(t, "user-1", domain.RoleCustomer)
	steward := token(t, "gate-7", domain.RoleStaff)

	rec := env.do(t, http.MethodPost, "/v1/purchases/initiate", customer, initiateRequest{
		Kind: "ticket", Items: []itemRequest{{ResourceID: "sector-a", Qty: 1}}, Method: "paypal",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ticket := decode[initiateResponse](t, rec)
	require.NotEmpty(t, ticket.TicketCode)
	require.NotEmpty(t, ticket.ApprovalURL)

	rec = env.do(t, http.MethodPost, "/v1/purchases/confirm", customer, echo.Map{"transaction_id": ticket.TransactionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "valid", decode[stateResponse](t, rec).State)

	env.clock.Set(kickoff.Add(5 * time.Minute))

	rec = env.do(t, http.MethodPost, "/v1/tickets/consume", customer, echo.Map{"ticket_code": ticket.TicketCode})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/tickets/consume", steward, echo.Map{"ticket_code": ticket.TicketCode})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[consumeResponse](t, rec).IsValid)

	rec = env.do(t, http.MethodPost, "/v1/tickets/consume", steward, echo.Map{"ticket_code": ticket.TicketCode})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[consumeResponse](t, rec)
	assert.False(t, second.IsValid)
	assert.Contains(t, second.Message, "already used")

	rec = env.do(t, http.MethodPost, "/v1/tickets/consume", steward, echo.Map{"ticket_code": "TCK-UNKNOWN"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[consumeResponse](t, rec).IsValid)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: domain.ErrUnauthenticated, want: http.StatusUnauthorized},
		{err: domain.ErrForbidden, want: http.StatusForbidden},
		{err: domain.ErrItemsRequired, want: http.StatusBadRequest},
		{err: domain.ErrTicketAlreadyUsed, want: http.StatusUnprocessableEntity},
		{err: domain.ErrPurchaseVersionConflict, want: http.StatusConflict},
		{err: domain.ErrPurchaseNotFound, want: http.StatusNotFound},
		{err: domain.ErrPaymentDeclined, want: http.StatusBadGateway},
		{err: context.DeadlineExceeded, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
