package cache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *RedisCache {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "could not start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("could not stop redis container: %s", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCacheFromClient(rdb, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func TestRedisCache(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()

	t.Run("price round trip", func(t *testing.T) {
		_, err := c.GetPrice(ctx, "CKB")
		assert.ErrorIs(t, err, ErrMiss)

		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, c.SetPrice(ctx, "CKB", PricePoint{Price: decimal.RequireFromString("0.0123"), Time: at}))
		p, err := c.GetPrice(ctx, "ckb")
		require.NoError(t, err)
		assert.True(t, p.Price.Equal(decimal.RequireFromString("0.0123")))
		assert.True(t, p.Time.Equal(at))
	})

	t.Run("cursor advances monotonically", func(t *testing.T) {
		require.NoError(t, c.AdvanceCursor(ctx, "0xabc", 42))
		require.NoError(t, c.AdvanceCursor(ctx, "0xabc", 40))
		id, err := c.GetCursor(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), id)

		require.NoError(t, c.ResetCursor(ctx, "0xabc"))
		id, err = c.GetCursor(ctx, "0xabc")
		require.NoError(t, err)
		assert.Zero(t, id)
	})

	t.Run("lock is exclusive", func(t *testing.T) {
		release, ok, err := c.TryLock(ctx, "delivery:0xabc", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = c.TryLock(ctx, "delivery:0xabc", 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		release()
		release2, ok, err := c.TryLock(ctx, "delivery:0xabc", 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		release2()
	})
}
