package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/insightmesh/internal/testutil"
	"github.com/hupe1980/insightmesh/storage"
)

func TestCacheEntry_Valid(t *testing.T) {
	e := CacheEntry{Value: "v", Timestamp: start, TTL: time.Hour}

	assert.True(t, e.Valid(start))
	assert.True(t, e.Valid(start.Add(time.Hour)))
	assert.False(t, e.Valid(start.Add(time.Hour+time.Millisecond)))
}

func TestStore_CacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	s := newTestStore(t, storage.NewMemory(), clock)

	s.SetCache(ctx, "k", "v", time.Hour)

	v, ok := s.GetCache(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, []string{"k"}, s.CacheKeys(ctx))

	clock.Advance(time.Hour + time.Second)

	_, ok = s.GetCache(ctx, "k")
	assert.False(t, ok)
	assert.Empty(t, s.CacheKeys(ctx))

	_, ok = s.GetCache(ctx, "missing")
	assert.False(t, ok)
}

func TestStore_CacheDefaultTTL(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	s := newTestStore(t, storage.NewMemory(), clock, func(o *Options) { o.DefaultCacheTTL = time.Minute })

	s.SetCache(ctx, "k", 42, 0)

	clock.Advance(time.Minute)
	_, ok := s.GetCache(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.GetCache(ctx, "k")
	assert.False(t, ok)
}

func TestStore_CacheSubMillisecondTTL(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()
	s := newTestStore(t, backend, clock)

	s.SetCache(ctx, "k", "v", 900*time.Microsecond)

	clock.Advance(500 * time.Microsecond)
	_, ok := s.GetCache(ctx, "k")
	assert.True(t, ok)

	restarted := newTestStore(t, backend, clock)
	_, ok = restarted.GetCache(ctx, "k")
	assert.True(t, ok, "ttl must survive persistence at full precision")

	clock.Advance(401 * time.Microsecond)
	_, ok = s.GetCache(ctx, "k")
	assert.False(t, ok)
}

func TestStore_WriteSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()
	s := newTestStore(t, backend, clock)

	s.SetCache(ctx, "short", "a", time.Minute)
	s.SetCache(ctx, "long", "b", time.Hour)
	assert.Len(t, persisted(t, backend).Cache, 2)

	clock.Advance(2 * time.Minute)

	// Any persisted write sweeps, not only cache writes.
	_, err := s.CreateSession(ctx, demoRequest())
	require.NoError(t, err)

	cache := persisted(t, backend).Cache
	assert.NotContains(t, cache, "short")
	assert.Contains(t, cache, "long")
}

func TestStore_CacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()

	newTestStore(t, backend, clock).SetCache(ctx, "report", "cached", time.Hour)

	restarted := newTestStore(t, backend, clock)
	v, ok := restarted.GetCache(ctx, "report")
	require.True(t, ok)
	assert.Equal(t, "cached", v)

	assert.Equal(t, 1, restarted.ClearCache(ctx))
	assert.Empty(t, persisted(t, backend).Cache)
}

func TestStore_PreferencesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(start)
	backend := storage.NewMemory()

	newTestStore(t, backend, clock).SetPreferences(ctx, map[string]any{"theme": "dark"})

	restarted := newTestStore(t, backend, clock)
	restarted.SetPreferences(ctx, map[string]any{"locale": "en"})

	assert.Equal(t, map[string]any{"theme": "dark", "locale": "en"}, restarted.Preferences(ctx))
	assert.Equal(t, map[string]any{"theme": "dark", "locale": "en"}, persisted(t, backend).Preferences)
}
