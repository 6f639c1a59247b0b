package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultKeyPrefix = "purchases:lock:"
	releaseTimeout   = 2 * time.Second
)

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis: распределённый Locker на SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger *log.Entry
}

// NewRedis создаёт Locker поверх клиента Redis.
func NewRedis(client redis.UniversalClient, prefix string, logger *log.Entry) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = log.WithField("component", "redis-lock")
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

// Acquire выполняет SET key token NX PX ttl.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	fullKey := r.prefix + key

	ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err(); err != nil {
			// Захват всё равно истечёт по TTL.
			r.logger.WithError(err).WithField("key", key).Warn("failed to release redis lock")
		}
	}, nil
}

// Ping проверяет соединение; используется health checker'ом.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Locker = (*Redis)(nil)
