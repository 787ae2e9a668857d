package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisStore_SetNXAndExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, "test:")
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.True(t, mr.Exists("test:k"))

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrNotFound))

	ok, err = store.SetNX(ctx, "k", "3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, "")
	mr.Close()

	_, err := store.SetNX(context.Background(), "k", "v", time.Minute)
	assert.Error(t, err)
	_, err = store.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_TTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, _ := store.SetNX(ctx, "a", "1", time.Minute)
	assert.True(t, ok)
	ok, _ = store.SetNX(ctx, "a", "1", time.Minute)
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, _ = store.SetNX(ctx, "a", "1", time.Minute)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "a"))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_BoundedGrowth(t *testing.T) {
	store := NewMemoryStore(WithMaxEntries(3))
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.Set(ctx, k, k, time.Hour))
	}
	assert.Equal(t, 3, store.Len())
	val, err := store.Get(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, "e", val)
}
