// Package store provides the collection search backends: PostgreSQL
// with pgvector for production and chromem-go for embedded or test use.
// Both satisfy retrieval.Searcher.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/citolabs/cito/internal/log"
	"github.com/citolabs/cito/internal/retrieval"
)

// NewPool creates a pgx connection pool with pgvector types registered
// on every connection, verified with a short ping.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Postgres searches passages via pgvector cosine similarity.
//
// Safe for concurrent use.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres creates a Postgres searcher over pool.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) *Postgres {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

const searchQuery = `
SELECT document_id, document_name, content, page, section,
       char_start, char_end, recency,
       1 - (embedding <=> $1) AS relevance
FROM passages
WHERE collection_id = $2
ORDER BY embedding <=> $1
LIMIT $3`

// Search implements retrieval.Searcher. Relevance is cosine similarity
// mapped to [0,1].
func (p *Postgres) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]retrieval.Passage, error) {
	rows, err := p.pool.Query(ctx, searchQuery, pgvector.NewVector(vector), collectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", collectionID, err)
	}
	defer rows.Close()

	var passages []retrieval.Passage
	for rows.Next() {
		var (
			pass    retrieval.Passage
			recency *time.Time
		)
		if err := rows.Scan(
			&pass.DocumentID,
			&pass.DocumentName,
			&pass.Text,
			&pass.Page,
			&pass.Section,
			&pass.CharStart,
			&pass.CharEnd,
			&recency,
			&pass.Relevance,
		); err != nil {
			return nil, fmt.Errorf("scanning passage: %w", err)
		}
		if recency != nil {
			pass.Recency = *recency
		}
		passages = append(passages, pass)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading passages: %w", err)
	}
	return passages, nil
}

// AddCollection inserts a collection and returns its ID.
func (p *Postgres) AddCollection(ctx context.Context, name string) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx,
		`INSERT INTO collections (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("adding collection %q: %w", name, err)
	}
	return id, nil
}

// Collections lists all collections.
func (p *Postgres) Collections(ctx context.Context) ([]retrieval.Collection, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Collection
	for rows.Next() {
		var c retrieval.Collection
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddPassage stores one embedded passage in a collection.
func (p *Postgres) AddPassage(ctx context.Context, collectionID string, pass retrieval.Passage, vector []float32) error {
	var recency *time.Time
	if !pass.Recency.IsZero() {
		recency = &pass.Recency
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO passages
		   (collection_id, document_id, document_name, content, page, section,
		    char_start, char_end, recency, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		collectionID, pass.DocumentID, pass.DocumentName, pass.Text,
		pass.Page, pass.Section, pass.CharStart, pass.CharEnd,
		recency, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("adding passage for document %q: %w", pass.DocumentID, err)
	}
	return nil
}
