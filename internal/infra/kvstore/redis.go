package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contentpulse/datacore/internal/core/retry"
)

// RedisStore implements Store over a native Redis connection. Meant for
// long-lived processes where holding a socket is fine; serverless
// deployments should use the REST backend instead.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store client and verifies the
// connection.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// classify maps go-redis errors onto the retry taxonomy. Auth refusals
// are permanent; everything else on a socket client is network-shaped.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "noauth") || strings.Contains(lower, "wrongpass") ||
		strings.Contains(lower, "noperm") {
		return &retry.PermanentError{Err: err}
	}
	return &retry.TransientError{Err: err}
}

func (s *RedisStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &retry.PermanentError{Err: fmt.Errorf("marshal value: %w", err)}
	}
	return classify(s.rdb.Set(ctx, key, data, ttl).Err())
}

func (s *RedisStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, &retry.PermanentError{Err: fmt.Errorf("unmarshal %s: %w", key, err)}
	}
	return true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return classify(s.rdb.Del(ctx, keys...).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return classify(s.rdb.LPush(ctx, key, args...).Err())
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return val, true, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	items, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return classify(s.rdb.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return val, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return classify(s.rdb.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return classify(s.rdb.Ping(ctx).Err())
}
