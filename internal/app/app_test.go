package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const seedYAML = `
matches:
  - id: final-2030
    title: Cup Final
    starts_at: 2030-06-01T19:00:00Z
campaigns:
  - id: season-2030
    title: Season 2030
    active: true
    starts_at: 2030-01-01T00:00:00Z
    ends_at: 2030-12-31T23:59:59Z
ledger:
  - resource_id: jersey-m
    kind: product_size
    capacity: 2
    price_minor: 7500
    currency: USD
  - resource_id: north-stand
    kind: ticket_sector
    capacity: 100
    price_minor: 4000
    currency: EUR
    match_id: final-2030
  - resource_id: season-2030-pass
    kind: membership_campaign
    capacity: 1000
    price_minor: 12000
    currency: EUR
    campaign_id: season-2030
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSeed_Apply(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), nil)
	require.NoError(t, err)
	defer deps.Close()

	seed, err := LoadSeed(writeSeed(t, seedYAML))
	require.NoError(t, err)
	require.NoError(t, seed.Apply(ctx, deps.Store, log.WithField("test", "seed")))

	repos := deps.Store.Repositories()
	match, err := repos.Catalog.GetMatch(ctx, "final-2030")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 6, 1, 19, 0, 0, 0, time.UTC), match.StartsAt)

	campaign, err := repos.Catalog.GetCampaign(ctx, "season-2030")
	require.NoError(t, err)
	assert.True(t, campaign.Active)

	entry, err := repos.Ledger.Get(ctx, "north-stand")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceKindTicketSector, entry.Kind)
	assert.Equal(t, int64(100), entry.Capacity)
	assert.Equal(t, "final-2030", entry.MatchID)

	// Повторная загрузка с новой вместимостью не сбрасывает текущий резерв.
	_, err = repos.Ledger.Reserve(ctx, "jersey-m", 1)
	require.NoError(t, err)
	seed.Ledger[0].Capacity = 5
	require.NoError(t, seed.Apply(ctx, deps.Store, log.WithField("test", "seed")))

	entry, err = repos.Ledger.Get(ctx, "jersey-m")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Capacity)
	assert.Equal(t, int64(1), entry.Reserved)
}

func TestSeed_Errors(t *testing.T) {
	_, err := LoadSeed(writeSeed(t, "matches: [oops"))
	require.Error(t, err)

	deps, err := NewDependencies(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer deps.Close()

	seed, err := LoadSeed(writeSeed(t, "ledger:\n  - resource_id: x\n    kind: parking_spot\n    capacity: 1\n"))
	require.NoError(t, err)
	err = seed.Apply(context.Background(), deps.Store, log.WithField("test", "seed"))
	require.ErrorContains(t, err, "unknown kind")
}

// TestEcho_OrderLifecycle проходит путь заказа через HTTP-слой, собранный как в Run.
func TestEcho_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.JWTSecret = "app-secret"

	deps, err := NewDependencies(ctx, cfg, nil)
	require.NoError(t, err)
	defer deps.Close()
	seed, err := LoadSeed(writeSeed(t, seedYAML))
	require.NoError(t, err)
	require.NoError(t, seed.Apply(ctx, deps.Store, deps.Logger))

	e := newEcho(cfg, deps, NewPurchaseService(cfg, deps), deps.Logger)

	sign := func(sub string, role domain.Role) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": sub, "role": string(role), "exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(cfg.JWTSecret))
		require.NoError(t, err)
		return signed
	}
	call := func(method, path, bearer string, body any) (int, map[string]any) {
		var payload []byte
		if body != nil {
			payload, err = json.Marshal(body)
			require.NoError(t, err)
		}
		req := httptest.NewRequest(method, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+bearer)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		out := map[string]any{}
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return rec.Code, out
	}

	customer := sign("fan-7", domain.RoleCustomer)
	admin := sign("ops-1", domain.RoleAdmin)

	code, created := call(http.MethodPost, "/v1/purchases/initiate", customer, map[string]any{
		"kind":   "order",
		"items":  []map[string]any{{"resource_id": "jersey-m", "qty": 2}},
		"method": "card",
	})
	require.Equal(t, http.StatusCreated, code, created)
	assert.EqualValues(t, 15000, created["amount_minor"])
	purchaseID := created["purchase_id"].(string)

	code, body := call(http.MethodPost, "/v1/purchases/initiate", customer, map[string]any{
		"kind":   "order",
		"items":  []map[string]any{{"resource_id": "jersey-m", "qty": 1}},
		"method": "card",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code, body)

	code, body = call(http.MethodPost, "/v1/purchases/confirm", customer, map[string]any{
		"transaction_id": created["transaction_id"],
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "processing", body["state"])

	for _, target := range []string{"confirmed", "shipped", "finished"} {
		code, body = call(http.MethodPost, "/v1/purchases/"+purchaseID+"/transition", admin, map[string]any{"target_state": target})
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, target, body["state"])
	}

	entry, err := deps.Store.Repositories().Ledger.Get(ctx, "jersey-m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Reserved)
	assert.Equal(t, int64(0), entry.Available())

	// Без токена API закрыт.
	req := httptest.NewRequest(http.MethodGet, "/v1/purchases/"+purchaseID, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
