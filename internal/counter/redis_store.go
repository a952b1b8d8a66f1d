package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Connect opens and pings a Redis client from a connection URL.
func Connect(ctx context.Context, connectionURL string) (*redis.Client, error) {
	opt, errParse := redis.ParseURL(connectionURL)
	if errParse != nil {
		return nil, fmt.Errorf("counter: parse redis url: %w", errParse)
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("counter: redis ping: %w", errPing)
	}
	return client, nil
}

// IncrBy atomically increments a counter, setting the expiry only when the
// key is created by this increment.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrUnavailable
	}

	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		return 0, errors.Join(ErrUnavailable, errExec)
	}
	return incr.Val(), nil
}

// Get returns the counter value, treating a missing key as zero.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrUnavailable
	}

	val, errGet := s.client.Get(ctx, key).Int64()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Join(ErrUnavailable, errGet)
	}
	return val, nil
}

var _ Store = (*RedisStore)(nil)
