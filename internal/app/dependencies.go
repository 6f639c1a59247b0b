package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
	"github.com/vladislavdragonenkov/purchases/internal/gateway"
	healthcheck "github.com/vladislavdragonenkov/purchases/internal/health"
	"github.com/vladislavdragonenkov/purchases/internal/lock"
	"github.com/vladislavdragonenkov/purchases/internal/metrics"
	"github.com/vladislavdragonenkov/purchases/internal/notify"
)

// Dependencies содержит все зависимости приложения.
type Dependencies struct {
	Store       domain.Store
	Idempotency domain.IdempotencyRepository
	Locker      lock.Locker
	Publisher   notify.Publisher
	Gateways    *gateway.Registry
	Metrics     *metrics.PurchaseMetrics
	Checkers    map[string]healthcheck.Checker
	Logger      *log.Entry

	closers []func()
}

// NewDependencies создаёт зависимости по конфигурации. При ошибке уже открытые
// подключения закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps = &Dependencies{
		Checkers: make(map[string]healthcheck.Checker),
		Logger:   logger,
	}
	defer func() {
		if err != nil {
			deps.Close()
			deps = nil
		}
	}()

	storage, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return deps, err
	}
	deps.Store = storage.store
	deps.Idempotency = storage.idempotencyRepo
	deps.Checkers["storage"] = storage.storageChecker
	if storage.closeFn != nil {
		closeStorage := storage.closeFn
		deps.closers = append(deps.closers, func() {
			if err := closeStorage(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		})
	}

	if deps.Locker, err = deps.initLocker(ctx, cfg); err != nil {
		return deps, err
	}

	publisher, closePublisher, err := initPublisher(cfg, logger)
	if err != nil {
		return deps, err
	}
	deps.Publisher = publisher
	if closePublisher != nil {
		deps.closers = append(deps.closers, closePublisher)
	}

	if deps.Gateways, err = initGateways(cfg, logger); err != nil {
		return deps, err
	}
	deps.Metrics = metrics.NewPurchaseMetrics()
	return deps, nil
}

func (d *Dependencies) initLocker(ctx context.Context, cfg Config) (lock.Locker, error) {
	switch cfg.LockDriver {
	case "", LockDriverMemory:
		return lock.NewMemory(), nil
	case LockDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		locker := lock.NewRedis(client, "", d.Logger.WithField("component", "redis-lock"))
		if err := locker.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		d.Checkers["redis"] = healthcheck.NewOptionalChecker("redis", locker.Ping)
		d.closers = append(d.closers, func() {
			if err := client.Close(); err != nil {
				d.Logger.WithError(err).Warn("failed to close redis client")
			}
		})
		d.Logger.WithField("addr", cfg.RedisAddr).Info("using redis confirm lock")
		return locker, nil
	default:
		return nil, fmt.Errorf("unsupported lock driver %q", cfg.LockDriver)
	}
}

// initGateways: в sandbox-режиме платежи проходят без внешних вызовов,
// в live каждый провайдер закрыт своим circuit breaker.
func initGateways(cfg Config, logger *log.Entry) (*gateway.Registry, error) {
	switch cfg.GatewayMode {
	case "", GatewayModeSandbox:
		logger.Warn("payment gateways run in sandbox mode")
		return gateway.NewRegistry(
			gateway.NewSandboxGateway(domain.PaymentMethodCard),
			gateway.NewSandboxGateway(domain.PaymentMethodPayPal),
		), nil
	case GatewayModeLive:
		converter, err := initConverter(cfg, logger)
		if err != nil {
			return nil, err
		}
		card := gateway.NewCardGateway(gateway.CardConfig{
			BaseURL:   cfg.CardBaseURL,
			SecretKey: cfg.CardSecretKey,
		}, logger.WithField("component", "card-gateway"))
		redirect := gateway.NewRedirectGateway(gateway.RedirectConfig{
			BaseURL:      cfg.RedirectBaseURL,
			ClientID:     cfg.RedirectClientID,
			ClientSecret: cfg.RedirectSecret,
			ReturnURL:    cfg.RedirectReturnURL,
			CancelURL:    cfg.RedirectCancelURL,
			BrandName:    cfg.RedirectBrandName,
		}, converter, logger.WithField("component", "redirect-gateway"))

		return gateway.NewRegistry(
			gateway.NewGuarded(card, gateway.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout,
				logger.WithField("breaker", "card"))),
			gateway.NewGuarded(redirect, gateway.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout,
				logger.WithField("breaker", "paypal"))),
		), nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.GatewayMode)
	}
}

func initConverter(cfg Config, logger *log.Entry) (*gateway.Converter, error) {
	convLogger := logger.WithField("component", "currency-converter")
	if cfg.RateTablePath == "" {
		return gateway.NewConverter(gateway.DefaultRateTable(), convLogger)
	}
	return gateway.LoadConverter(cfg.RateTablePath, convLogger)
}

// Close освобождает подключения в обратном порядке создания.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
