package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/purchases/internal/health"
	"github.com/vladislavdragonenkov/purchases/internal/notify"
	"github.com/vladislavdragonenkov/purchases/internal/service/expiry"
	"github.com/vladislavdragonenkov/purchases/internal/service/idempotency"
	"github.com/vladislavdragonenkov/purchases/internal/service/purchase"
	"github.com/vladislavdragonenkov/purchases/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/purchases/internal/version"
)

// Run поднимает API, фоновые воркеры и служебные серверы и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.SeedPath != "" {
		seed, err := LoadSeed(cfg.SeedPath)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, deps.Store, logger); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	svc := NewPurchaseService(cfg, deps)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	workersDone := startWorkers(workerCtx, cfg, deps, svc)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.Checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	apiSrv := startAPIServer(cfg, deps, svc, logger)

	grpcServer, healthServer := newGRPCServer(logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownWorkers(cancelWorkers, workersDone, logger)
		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		stopGRPC(grpcServer, healthServer, logger)
		shutdownHTTP(apiSrv, logger)
		shutdownWorkers(cancelWorkers, workersDone, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(apiSrv, logger)
		shutdownWorkers(cancelWorkers, workersDone, logger)
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// NewPurchaseService собирает сценарии покупок поверх зависимостей.
func NewPurchaseService(cfg Config, deps *Dependencies) *purchase.Service {
	dispatcher := notify.NewDispatcher(deps.Publisher,
		notify.WithMetrics(deps.Metrics),
		notify.WithLogger(deps.Logger.WithField("component", "notify-dispatcher")),
	)
	return purchase.NewService(deps.Store, deps.Gateways,
		purchase.WithLogger(deps.Logger.WithField("component", "purchase-flow")),
		purchase.WithMetrics(deps.Metrics),
		purchase.WithDispatcher(dispatcher),
		purchase.WithLocker(deps.Locker),
		purchase.WithReservationTTL(cfg.ReservationTTL),
		purchase.WithGraceWindow(cfg.GraceWindow),
	)
}

// NewSweeper создаёт sweeper истёкших резервов с общей блокировкой подтверждений.
func NewSweeper(cfg Config, deps *Dependencies, svc *purchase.Service) *expiry.Sweeper {
	return expiry.NewSweeper(deps.Store, svc,
		expiry.WithLogger(deps.Logger.WithField("component", "expiry-sweeper")),
		expiry.WithInterval(cfg.SweepInterval),
		expiry.WithBatchSize(cfg.SweepBatchSize),
		expiry.WithLocker(deps.Locker),
	)
}

// startWorkers запускает sweeper и очистку idempotency-ключей; done закрывается,
// когда оба воркера вышли.
func startWorkers(ctx context.Context, cfg Config, deps *Dependencies, svc *purchase.Service) <-chan struct{} {
	sweeper := NewSweeper(cfg, deps, svc)
	cleanup := idempotency.NewCleanupWorker(deps.Idempotency,
		idempotency.WithLogger(deps.Logger.WithField("component", "idempotency-cleanup-worker")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		cleanup.Run(ctx)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// shutdownWorkers отменяет воркеры и ждёт их завершения не дольше 5 секунд.
func shutdownWorkers(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info("background workers stopped")
	case <-time.After(5 * time.Second):
		logger.Warn("background workers did not stop in time")
	}
}

// newEcho создаёт echo с маршрутами /v1.
func newEcho(cfg Config, deps *Dependencies, svc *purchase.Service, logger *log.Entry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))

	httpapi.NewHandler(svc,
		httpapi.WithIdempotency(deps.Idempotency),
		httpapi.WithLogger(logger.WithField("layer", "http")),
	).Register(e, cfg.JWTSecret)
	return e
}

func startAPIServer(cfg Config, deps *Dependencies, svc *purchase.Service, logger *log.Entry) *http.Server {
	if cfg.HTTPAddr == "" {
		logger.Warn("http api is disabled")
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newEcho(cfg, deps, svc, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http api server failed")
		}
	}()
	return srv
}

// newGRPCServer собирает служебный gRPC с health и reflection и метриками Prometheus.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

func stopGRPC(grpcServer *grpc.Server, healthServer *health.Server, logger *log.Entry) {
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stoppedCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(5 * time.Second):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
