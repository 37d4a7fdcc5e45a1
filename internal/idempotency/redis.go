// Package idempotency guards checkout against duplicate submissions
// carrying the same idempotency key.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rookgm/orderflow/internal/models"
)

// DefaultTTL bounds how long a key stays locked if its holder never releases it
const DefaultTTL = 30 * time.Second

// ErrLocked is returned when the key is held by another request
var ErrLocked = fmt.Errorf("%w: idempotency key is locked", models.ErrConflict)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker interface on redis
type RedisLocker struct {
	client      redis.UniversalClient
	serviceName string
	ttl         time.Duration
}

// NewRedisLocker creates new RedisLocker instance
func NewRedisLocker(client redis.UniversalClient, serviceName string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client:      client,
		serviceName: serviceName,
		ttl:         ttl,
	}
}

// GenerateKey returns redis key for operation and key
func (l *RedisLocker) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", l.serviceName, operation, key)
}

// Acquire locks key, the returned func releases it
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	redisKey := l.GenerateKey("checkout", key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
	}

	return release, nil
}
