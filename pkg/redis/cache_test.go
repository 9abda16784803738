package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedDefinition struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func TestCacheSetGet(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewCache(client, "")
	ctx := context.Background()

	def := cachedDefinition{Name: "SESSION_CREATED", Version: "1.0.0"}
	require.NoError(t, cache.Set(ctx, EntityEvent, "SESSION_CREATED", def, TTLCatalogEntry))

	// The stored key is the bare entity:attribute form.
	require.True(t, mr.Exists("event:SESSION_CREATED"))

	var got cachedDefinition
	require.NoError(t, cache.Get(ctx, EntityEvent, "SESSION_CREATED", &got))
	assert.Equal(t, def, got)
}

func TestCacheGetMiss(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewCache(client, "")

	var got cachedDefinition
	err := cache.Get(context.Background(), EntityEvent, "NOPE", &got)
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheTTL(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewCache(client, "")
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, EntityEvent, "SESSION_CREATED", cachedDefinition{Name: "SESSION_CREATED"}, time.Minute))

	mr.FastForward(2 * time.Minute)

	var got cachedDefinition
	err := cache.Get(ctx, EntityEvent, "SESSION_CREATED", &got)
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheDelete(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewCache(client, "")
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, EntityEvent, "A", cachedDefinition{Name: "A"}, time.Minute))
	require.NoError(t, cache.Set(ctx, EntityEvent, AttributeList, []string{"A"}, time.Minute))

	require.NoError(t, cache.Delete(ctx, EntityEvent, "A", AttributeList))
	require.False(t, mr.Exists("event:A"))
	require.False(t, mr.Exists("event:list"))

	// Deleting nothing is a no-op.
	require.NoError(t, cache.Delete(ctx, EntityEvent))
}

func TestCacheDeletePattern(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewCache(client, "")
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, EntityConsumers, "SESSION_CREATED", []string{"audit"}, time.Minute))
	require.NoError(t, cache.Set(ctx, EntityConsumers, "SESSION_CLOSED", []string{"audit"}, time.Minute))
	require.NoError(t, cache.Set(ctx, EntityEvent, "SESSION_CREATED", cachedDefinition{}, time.Minute))

	require.NoError(t, cache.DeletePattern(ctx, EntityConsumers, "*"))

	require.False(t, mr.Exists("consumers:SESSION_CREATED"))
	require.False(t, mr.Exists("consumers:SESSION_CLOSED"))
	require.True(t, mr.Exists("event:SESSION_CREATED"))
}

func TestCacheTryLock(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewCache(client, "")
	ctx := context.Background()

	won, err := cache.TryLock(ctx, EntityDedup, "env-1", TTLDedupLock)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = cache.TryLock(ctx, EntityDedup, "env-1", TTLDedupLock)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, cache.Unlock(ctx, EntityDedup, "env-1"))

	won, err = cache.TryLock(ctx, EntityDedup, "env-1", TTLDedupLock)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestGetOrSetWithProtection(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewCache(client, "")
	ctx := context.Background()

	fetches := 0
	fetch := func(context.Context) (cachedDefinition, error) {
		fetches++
		return cachedDefinition{Name: "SESSION_CREATED", Version: "1.0.0"}, nil
	}

	got, err := GetOrSetWithProtection(ctx, cache, nil, EntityEvent, "SESSION_CREATED", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "SESSION_CREATED", got.Name)
	assert.Equal(t, 1, fetches)

	// Second read is served from cache.
	got, err = GetOrSetWithProtection(ctx, cache, nil, EntityEvent, "SESSION_CREATED", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, 1, fetches)
}

func TestGetOrSetWithProtectionFetchError(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewCache(client, "")

	wantErr := errors.New("source down")
	_, err := GetOrSetWithProtection(context.Background(), cache, nil, EntityEvent, "BROKEN", func(context.Context) (cachedDefinition, error) {
		return cachedDefinition{}, wantErr
	}, time.Minute)
	require.ErrorIs(t, err, wantErr)
}

func TestGetOrSetWithProtectionBypassesBrokenCache(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewCache(client, "")

	// A degraded cache must not fail the read path.
	mr.Close()

	got, err := GetOrSetWithProtection(context.Background(), cache, nil, EntityEvent, "DEGRADED", func(context.Context) (cachedDefinition, error) {
		return cachedDefinition{Name: "DEGRADED"}, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "DEGRADED", got.Name)
}
