package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchases/internal/service/purchase"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	NotifyDriverLog      = "log"
	NotifyDriverKafka    = "kafka"
	NotifyDriverRabbitMQ = "rabbitmq"

	LockDriverMemory = "memory"
	LockDriverRedis  = "redis"

	GatewayModeSandbox = "sandbox"
	GatewayModeLive    = "live"
)

// envPrefix: общий префикс переменных окружения сервиса.
const envPrefix = "PURCHASES_"

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	HTTPAddr    string `mapstructure:"http_addr"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	LogLevel    string `mapstructure:"log_level"`

	StorageDriver       string `mapstructure:"storage_driver"`
	PostgresDSN         string `mapstructure:"postgres_dsn"`
	PostgresAutoMigrate bool   `mapstructure:"postgres_auto_migrate"`
	// SeedPath: YAML с остатками ledger, матчами и кампаниями, загружается при старте.
	SeedPath            string `mapstructure:"seed_path"`

	NotifyDriver   string   `mapstructure:"notify_driver"`
	KafkaBrokers   []string `mapstructure:"kafka_brokers"`
	KafkaTopic     string   `mapstructure:"kafka_topic"`
	RabbitMQURL    string   `mapstructure:"rabbitmq_url"`
	RabbitExchange string   `mapstructure:"rabbitmq_exchange"`

	LockDriver    string `mapstructure:"lock_driver"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	GatewayMode         string        `mapstructure:"gateway_mode"`
	CardBaseURL         string        `mapstructure:"card_base_url"`
	CardSecretKey       string        `mapstructure:"card_secret_key"`
	RedirectBaseURL     string        `mapstructure:"redirect_base_url"`
	RedirectClientID    string        `mapstructure:"redirect_client_id"`
	RedirectSecret      string        `mapstructure:"redirect_client_secret"`
	RedirectReturnURL   string        `mapstructure:"redirect_return_url"`
	RedirectCancelURL   string        `mapstructure:"redirect_cancel_url"`
	RedirectBrandName   string        `mapstructure:"redirect_brand_name"`
	RateTablePath       string        `mapstructure:"rate_table_path"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`

	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	GraceWindow    time.Duration `mapstructure:"grace_window"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`

	IdempotencyCleanupInterval  time.Duration `mapstructure:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `mapstructure:"idempotency_cleanup_batch_size"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		HTTPAddr:    ":8080",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		NotifyDriver:   NotifyDriverLog,
		KafkaTopic:     "purchases.notifications",
		RabbitExchange: "purchases.notifications",

		LockDriver: LockDriverMemory,

		GatewayMode:         GatewayModeSandbox,
		RedirectBrandName:   "Club Store",
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,

		ReservationTTL: purchase.DefaultReservationTTL,
		GraceWindow:    purchase.DefaultGraceWindow,
		SweepInterval:  30 * time.Second,
		SweepBatchSize: 100,

		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// ReadConfigFromEnv накладывает PURCHASES_* переменные на DefaultConfig.
// Если задан envFile и файл существует, переменные сначала читаются из него;
// уже выставленные в окружении значения не перезаписываются.
func ReadConfigFromEnv(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := DefaultConfig()
	r := envReader{}

	r.str("GRPC_ADDR", &cfg.GRPCAddr)
	r.str("METRICS_ADDR", &cfg.MetricsAddr)
	r.str("HTTP_ADDR", &cfg.HTTPAddr)
	r.str("JWT_SECRET", &cfg.JWTSecret)
	r.str("LOG_LEVEL", &cfg.LogLevel)

	r.str("STORAGE_DRIVER", &cfg.StorageDriver)
	r.str("POSTGRES_DSN", &cfg.PostgresDSN)
	r.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	r.str("SEED_PATH", &cfg.SeedPath)

	r.str("NOTIFY_DRIVER", &cfg.NotifyDriver)
	r.list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	r.str("KAFKA_TOPIC", &cfg.KafkaTopic)
	r.str("RABBITMQ_URL", &cfg.RabbitMQURL)
	r.str("RABBITMQ_EXCHANGE", &cfg.RabbitExchange)

	r.str("LOCK_DRIVER", &cfg.LockDriver)
	r.str("REDIS_ADDR", &cfg.RedisAddr)
	r.str("REDIS_PASSWORD", &cfg.RedisPassword)
	r.integer("REDIS_DB", &cfg.RedisDB)

	r.str("GATEWAY_MODE", &cfg.GatewayMode)
	r.str("CARD_BASE_URL", &cfg.CardBaseURL)
	r.str("CARD_SECRET_KEY", &cfg.CardSecretKey)
	r.str("REDIRECT_BASE_URL", &cfg.RedirectBaseURL)
	r.str("REDIRECT_CLIENT_ID", &cfg.RedirectClientID)
	r.str("REDIRECT_CLIENT_SECRET", &cfg.RedirectSecret)
	r.str("REDIRECT_RETURN_URL", &cfg.RedirectReturnURL)
	r.str("REDIRECT_CANCEL_URL", &cfg.RedirectCancelURL)
	r.str("REDIRECT_BRAND_NAME", &cfg.RedirectBrandName)
	r.str("RATE_TABLE_PATH", &cfg.RateTablePath)
	r.integer("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	r.duration("BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout)

	r.duration("RESERVATION_TTL", &cfg.ReservationTTL)
	r.duration("GRACE_WINDOW", &cfg.GraceWindow)
	r.duration("SWEEP_INTERVAL", &cfg.SweepInterval)
	r.integer("SWEEP_BATCH_SIZE", &cfg.SweepBatchSize)

	r.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	r.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность драйверов и обязательных параметров.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires PURCHASES_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.NotifyDriver {
	case NotifyDriverLog:
	case NotifyDriverKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka notifications require PURCHASES_KAFKA_BROKERS"))
		}
	case NotifyDriverRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("rabbitmq notifications require PURCHASES_RABBITMQ_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported notify driver %q", c.NotifyDriver))
	}

	switch c.LockDriver {
	case LockDriverMemory:
	case LockDriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis lock requires PURCHASES_REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported lock driver %q", c.LockDriver))
	}

	switch c.GatewayMode {
	case GatewayModeSandbox:
	case GatewayModeLive:
		if c.CardBaseURL == "" || c.CardSecretKey == "" {
			errs = append(errs, errors.New("live card gateway requires PURCHASES_CARD_BASE_URL and PURCHASES_CARD_SECRET_KEY"))
		}
		if c.RedirectBaseURL == "" || c.RedirectClientID == "" || c.RedirectSecret == "" {
			errs = append(errs, errors.New("live redirect gateway requires PURCHASES_REDIRECT_BASE_URL, _CLIENT_ID and _CLIENT_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported gateway mode %q", c.GatewayMode))
	}

	if c.HTTPAddr != "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("http api requires PURCHASES_JWT_SECRET"))
	}
	if c.ReservationTTL <= 0 {
		errs = append(errs, errors.New("reservation ttl must be positive"))
	}
	if c.GraceWindow < 0 {
		errs = append(errs, errors.New("grace window must be non-negative"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// envReader читает типизированные значения, собирая ошибки разбора.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = d
	}
}
