package autorelease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/safetrade/internal/idgen"
)

// Lease elects one replica to run a sweep.
type Lease interface {
	// Acquire returns ok=false without error when another holder has the
	// lease.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// NoopLease always grants the lease. Used when running a single replica.
type NoopLease struct{}

func (NoopLease) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", true, nil
}

func (NoopLease) Release(context.Context, string, string) error { return nil }

// releaseScript deletes the key only if it still holds our token, so an
// expired holder cannot drop a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a lease on a single Redis key.
type RedisLease struct {
	client redis.UniversalClient
}

// NewRedisLease wraps an existing client.
func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{client: client}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := idgen.New()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return token, ok, nil
}

func (l *RedisLease) Release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
