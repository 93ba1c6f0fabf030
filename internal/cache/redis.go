package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// advanceScript only moves the cursor forward so concurrent writers cannot rewind it.
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// releaseScript deletes a lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache implements PriceCache, CursorStore and Locker on a shared Redis.
type RedisCache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// RedisConfig holds the connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{rdb: rdb, logger: logger}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *redis.Client, logger *slog.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, logger: logger}
}

var (
	_ PriceCache  = (*RedisCache)(nil)
	_ CursorStore = (*RedisCache)(nil)
	_ Locker      = (*RedisCache)(nil)
)

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisCache) GetPrice(ctx context.Context, symbol string) (PricePoint, error) {
	raw, err := c.rdb.Get(ctx, priceKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PricePoint{}, ErrMiss
	}
	if err != nil {
		return PricePoint{}, fmt.Errorf("get price %s: %w", symbol, err)
	}
	var p PricePoint
	if err := json.Unmarshal(raw, &p); err != nil {
		return PricePoint{}, fmt.Errorf("decode price %s: %w", symbol, err)
	}
	return p, nil
}

func (c *RedisCache) SetPrice(ctx context.Context, symbol string, point PricePoint) error {
	raw, err := json.Marshal(point)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, priceKey(symbol), raw, 0).Err(); err != nil {
		return fmt.Errorf("set price %s: %w", symbol, err)
	}
	return nil
}

func (c *RedisCache) GetCursor(ctx context.Context, lockHash string) (uint64, error) {
	v, err := c.rdb.Get(ctx, cursorKey(lockHash)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return id, nil
}

func (c *RedisCache) AdvanceCursor(ctx context.Context, lockHash string, id uint64) error {
	if err := advanceScript.Run(ctx, c.rdb, []string{cursorKey(lockHash)}, strconv.FormatUint(id, 10)).Err(); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (c *RedisCache) ResetCursor(ctx context.Context, lockHash string) error {
	return c.rdb.Del(ctx, cursorKey(lockHash)).Err()
}

func (c *RedisCache) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	k := lockKey(key)
	ok, err := c.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, c.rdb, []string{k}, token).Err(); err != nil {
			c.logger.Warn("RedisCache: failed to release lock", "key", key, "error", err)
		}
	}
	return release, true, nil
}
