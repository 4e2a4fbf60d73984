package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"alarmguard/internal/config"
)

var touchScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
if redis.call("EXISTS", key) == 1 then
    redis.call("INCR", key)
    redis.call("EXPIRE", key, ttl)
    return 1
end
redis.call("SET", key, 1)
redis.call("EXPIRE", key, ttl)
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedis opens a client and checks connectivity.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := touchScript.Run(ctx, c.client, []string{prefixed(c.prefix, key)}, ttlSeconds(ttl)).Int()
	if err != nil {
		return false, fmt.Errorf("dedup touch: %w", err)
	}
	return res == 1, nil
}

func (c *RedisCounter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, prefixed(c.prefix, key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, prefixed(l.prefix, key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{prefixed(l.prefix, key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("lock release: %w", err)
	}
	return res == 1, nil
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

func ttlSeconds(ttl time.Duration) int64 {
	sec := int64(ttl / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}
