package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/purchases/internal/health"
	"github.com/vladislavdragonenkov/purchases/internal/version"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().String()
}

func waitServing(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond, "server at %s did not start", url)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func startOpsServer(t *testing.T, checkers map[string]healthcheck.Checker) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range checkers {
		handler.RegisterChecker(name, checker)
	}
	addr := freeAddr(t)
	require.NotNil(t, startMetricsServer(ctx, addr, log.WithField("test", t.Name()), handler))

	base := "http://" + addr
	waitServing(t, base+"/livez")
	return base
}

func TestOpsServer_HealthyStorage(t *testing.T) {
	deps, err := NewDependencies(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	base := startOpsServer(t, deps.Checkers)

	code, body := get(t, base+"/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body)

	code, body = get(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)
	var report healthcheck.Response
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	assert.Equal(t, healthcheck.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "storage")
	assert.Equal(t, version.GetVersion(), report.Version)

	code, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "# HELP")
}

func TestOpsServer_StorageDownIsNotReady(t *testing.T) {
	base := startOpsServer(t, map[string]healthcheck.Checker{
		"storage": healthcheck.NewSimpleChecker("storage", func(context.Context) error {
			return errors.New("connection refused")
		}),
	})

	code, body := get(t, base+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body)

	code, _ = get(t, base+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = get(t, base+"/livez")
	assert.Equal(t, http.StatusOK, code, "liveness ignores dependencies")
}

func TestOpsServer_RedisDownDegradesOnly(t *testing.T) {
	base := startOpsServer(t, map[string]healthcheck.Checker{
		"storage": healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil }),
		"redis": healthcheck.NewOptionalChecker("redis", func(context.Context) error {
			return errors.New("dial tcp: i/o timeout")
		}),
	})

	code, body := get(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)
	var report healthcheck.Response
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	assert.Equal(t, healthcheck.StatusDegraded, report.Status)

	code, _ = get(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestOpsServer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr := freeAddr(t)
	startMetricsServer(ctx, addr, log.WithField("test", t.Name()), healthcheck.NewHandler("test"))
	waitServing(t, "http://"+addr+"/livez")

	cancel()

	assert.Eventually(t, func() bool {
		_, err := http.Get("http://" + addr + "/livez")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartAPIServer(t *testing.T) {
	cfg := memoryConfig()
	deps, err := NewDependencies(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(deps.Close)
	svc := NewPurchaseService(cfg, deps)
	logger := log.WithField("test", t.Name())

	assert.Nil(t, startAPIServer(cfg, deps, svc, logger), "empty address disables the api")

	cfg.HTTPAddr = freeAddr(t)
	cfg.JWTSecret = "s3cret"
	srv := startAPIServer(cfg, deps, svc, logger)
	require.NotNil(t, srv)

	url := fmt.Sprintf("http://%s/v1/purchases", cfg.HTTPAddr)
	waitServing(t, url)
	code, _ := get(t, url)
	assert.Equal(t, http.StatusUnauthorized, code)

	shutdownHTTP(srv, logger)
	_, err = http.Get(url)
	assert.Error(t, err)
}
