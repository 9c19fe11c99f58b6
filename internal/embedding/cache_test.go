package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citolabs/cito/internal/log"
)

// countingGateway records embed calls and returns a fixed vector.
type countingGateway struct {
	calls int
	err   error
}

func (c *countingGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// failingCache errors on every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]float32, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, []float32) error {
	return errors.New("cache down")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"What is X?", "what is x?"},
		{"  what   IS x?  ", "what is x?"},
		{"\tmulti\nline\n", "multi line"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
}

func TestKey_EquivalentQueriesShareKey(t *testing.T) {
	assert.Equal(t, Key("What is X?"), Key("  what   is X?  "))
	assert.NotEqual(t, Key("what is x"), Key("what is y"))
}

func TestCached_SecondEmbedHitsCache(t *testing.T) {
	gateway := &countingGateway{}
	cached := NewCached(gateway, NewMemoryCache(0, 0), log.NewNop())

	first, err := cached.Embed(context.Background(), "What is the vacation policy?")
	require.NoError(t, err)

	second, err := cached.Embed(context.Background(), "what is the VACATION policy?")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, gateway.calls)
}

func TestCached_CacheFailureFallsThrough(t *testing.T) {
	gateway := &countingGateway{}
	cached := NewCached(gateway, failingCache{}, log.NewNop())

	vector, err := cached.Embed(context.Background(), "query")

	require.NoError(t, err)
	assert.Len(t, vector, 3)
	assert.Equal(t, 1, gateway.calls)
}

func TestCached_GatewayErrorPropagates(t *testing.T) {
	gateway := &countingGateway{err: errors.New("provider down")}
	cached := NewCached(gateway, NewMemoryCache(0, 0), log.NewNop())

	_, err := cached.Embed(context.Background(), "query")

	assert.Error(t, err)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	cache := NewMemoryCache(10, time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(context.Background(), "k", []float32{1}))

	_, ok, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewMemoryCache(2, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", []float32{1}))
	require.NoError(t, cache.Set(ctx, "b", []float32{2}))

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok, _ := cache.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, cache.Set(ctx, "c", []float32{3}))

	_, ok, _ = cache.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = cache.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryCache_UpdateExistingKey(t *testing.T) {
	cache := NewMemoryCache(2, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []float32{1}))
	require.NoError(t, cache.Set(ctx, "k", []float32{2}))

	vector, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{2}, vector)
	assert.Equal(t, 1, cache.Len())
}

func TestRedisCache_RoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := NewRedisCache(client, time.Hour)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", []float32{0.5, -1.25}))

	vector, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, -1.25}, vector)
}

func TestRedisCache_EntriesExpire(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := NewRedisCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []float32{1}))
	srv.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
