package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/citolabs/cito/internal/log"
)

// Cache stores embedding vectors by key. Implementations decide TTL and
// eviction. A miss is (nil, false, nil); errors are reserved for backend
// failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vector []float32) error
}

// Normalize canonicalizes query text for cache keying: lowercased with
// whitespace runs collapsed to single spaces. "What is X?" and
// " what  is x? " share one cache entry.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Key derives the cache key for a piece of text.
func Key(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Cached decorates a Gateway with a Cache. Cache failures are logged and
// degrade to a provider call; they never fail the embed.
type Cached struct {
	inner  Gateway
	cache  Cache
	logger log.Logger
}

// NewCached wraps gateway with cache.
func NewCached(gateway Gateway, cache Cache, logger log.Logger) *Cached {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Cached{inner: gateway, cache: cache, logger: logger}
}

// Embed returns the cached vector when present, otherwise embeds via the
// inner gateway and stores the result.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Key(text)

	vector, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("embedding cache read failed", "error", err)
	} else if ok {
		return vector, nil
	}

	vector, err = c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, vector); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
	return vector, nil
}
