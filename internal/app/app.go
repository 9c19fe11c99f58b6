// Package app assembles the application: configuration in, a ready
// Engine and its supporting services out.
//
// Setup wires the provider plugins, the embedding cache, the search
// store and the synthesis client together, with cleanup embedded in the
// App. Call Close to release everything in reverse order.
package app

import (
	"context"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citolabs/cito/internal/config"
	"github.com/citolabs/cito/internal/embedding"
	"github.com/citolabs/cito/internal/engine"
	"github.com/citolabs/cito/internal/log"
	"github.com/citolabs/cito/internal/permission"
	"github.com/citolabs/cito/internal/retrieval"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder embedding.Gateway

	// Searcher is the configured store backend. Pool is non-nil only for
	// the postgres backend; the API readiness probe pings it.
	Searcher retrieval.Searcher
	Pool     *pgxpool.Pool

	Permissions *permission.Static
	Engine      *engine.Engine

	// cleanups run in reverse registration order on Close.
	cleanups []func()
}

// Close shuts the application down: waits for in-flight audit delivery,
// then releases resources in reverse initialization order.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Close()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func (a *App) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// Pinger returns the store connectivity probe for the HTTP readiness
// endpoint, or nil when the backend is embedded.
func (a *App) Pinger() interface {
	Ping(ctx context.Context) error
} {
	if a.Pool == nil {
		return nil
	}
	return a.Pool
}
