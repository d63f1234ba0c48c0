package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache(100)
	defer cache.Close()
	ctx := context.Background()

	t.Run("basic operations", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "key1", payload{Name: "a", Score: 1.5}, time.Minute))

		var got payload
		require.NoError(t, cache.Get(ctx, "key1", &got))
		assert.Equal(t, payload{Name: "a", Score: 1.5}, got)

		ok, err := cache.Exists(ctx, "key1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, cache.Delete(ctx, "key1"))
		assert.ErrorIs(t, cache.Get(ctx, "key1", &got), ErrCacheMiss)
	})

	t.Run("raw bytes", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "raw", []byte(`{"x":1}`), time.Minute))
		var raw []byte
		require.NoError(t, cache.Get(ctx, "raw", &raw))
		assert.Equal(t, `{"x":1}`, string(raw))
	})

	t.Run("expiration", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "expire_key", "v", 50*time.Millisecond))
		var v string
		require.NoError(t, cache.Get(ctx, "expire_key", &v))

		time.Sleep(80 * time.Millisecond)
		assert.ErrorIs(t, cache.Get(ctx, "expire_key", &v), ErrCacheMiss)
		ok, _ := cache.Exists(ctx, "expire_key")
		assert.False(t, ok)
	})
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewMemoryCache(2)
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", 1, time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cache.Set(ctx, "b", 2, time.Minute))
	time.Sleep(2 * time.Millisecond)

	var v int
	require.NoError(t, cache.Get(ctx, "a", &v))
	require.NoError(t, cache.Set(ctx, "c", 3, time.Minute))

	assert.Equal(t, 2, cache.Size())
	assert.ErrorIs(t, cache.Get(ctx, "b", &v), ErrCacheMiss)
	require.NoError(t, cache.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)

	stats := cache.GetStats()
	assert.Equal(t, int64(1), stats.EvictionCount)
	assert.Equal(t, int64(1), stats.MissCount)
}

func TestNewWithoutRedis(t *testing.T) {
	c, err := New(Config{MaxItems: 10})
	require.NoError(t, err)
	defer c.Close()
	_, ok := c.(*MemoryCache)
	assert.True(t, ok)
}

func TestNewRedisUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond

	_, err := New(cfg)
	assert.Error(t, err)
}
