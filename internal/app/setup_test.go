package app

import (
	"context"
	"testing"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citolabs/cito/internal/config"
	"github.com/citolabs/cito/internal/embedding"
	"github.com/citolabs/cito/internal/log"
	"github.com/citolabs/cito/internal/store"
)

func chromemConfig() *config.Config {
	return &config.Config{
		Provider:      config.ProviderOllama,
		ModelName:     "llama3.3",
		EmbedderModel: "nomic-embed-text",
		OllamaHost:    "http://localhost:11434",

		StoreBackend:           config.StoreChromem,
		PerCollectionLimit:     10,
		PerCollectionTimeoutMS: 1500,
		TopK:                   10,

		SynthesisPassages:    5,
		SynthesisTimeoutMS:   30000,
		FirstTokenDeadlineMS: 10000,

		MaxQueryLen: 500,
		CacheSize:   64,
		HTTPAddr:    ":8080",
	}
}

func TestProvideCache_MemoryWhenNoRedisAddr(t *testing.T) {
	cfg := chromemConfig()

	cache, cleanup := provideCache(cfg, log.NewNop())

	assert.Nil(t, cleanup)
	assert.IsType(t, &embedding.MemoryCache{}, cache)
}

func TestProvideCache_RedisWhenAddrSet(t *testing.T) {
	cfg := chromemConfig()
	cfg.RedisAddr = "localhost:6379"

	cache, cleanup := provideCache(cfg, log.NewNop())

	require.NotNil(t, cleanup)
	defer cleanup()
	assert.IsType(t, &embedding.RedisCache{}, cache)
}

func TestProvideStore_Chromem(t *testing.T) {
	cfg := chromemConfig()

	searcher, pool, cleanup, err := provideStore(context.Background(), cfg, log.NewNop())

	require.NoError(t, err)
	assert.Nil(t, pool)
	assert.Nil(t, cleanup)
	assert.IsType(t, &store.Chromem{}, searcher)
}

func TestProvidePermissions_ChromemGrants(t *testing.T) {
	cfg := chromemConfig()
	cfg.Grants = map[string][]string{
		"alice": {"hr-policies", "eng-docs"},
		"bob":   {"hr-policies"},
	}
	a := &App{Searcher: store.NewChromem()}

	perms, err := providePermissions(context.Background(), cfg, a, log.NewNop())
	require.NoError(t, err)

	alice, err := perms.PermittedCollections(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	bob, err := perms.PermittedCollections(context.Background(), "bob", nil)
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, "hr-policies", bob[0].ID)

	mallory, err := perms.PermittedCollections(context.Background(), "mallory", nil)
	require.NoError(t, err)
	assert.Empty(t, mallory)
}

func TestProvideSynthesizer_UsesConfiguredTimeouts(t *testing.T) {
	cfg := chromemConfig()
	cfg.SynthesisTimeoutMS = 5000
	cfg.RateLimitRPS = 2
	cfg.RateLimitBurst = 4
	g := genkit.Init(context.Background())

	synth, err := provideSynthesizer(g, cfg, log.NewNop())

	require.NoError(t, err)
	require.NotNil(t, synth)
	assert.Equal(t, 5*time.Second, cfg.SynthesisTimeout())
}
