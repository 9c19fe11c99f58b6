package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/citolabs/cito/internal/log"
)

// ErrUnavailable indicates that every collection search failed, so there
// is nothing to merge. Partial failures never produce this error.
var ErrUnavailable = errors.New("retrieval unavailable: all collection searches failed")

// Defaults for fan-out behavior. Both are configurable via Config.
const (
	DefaultPerCollectionLimit   = 10
	DefaultPerCollectionTimeout = 1500 * time.Millisecond
)

// Searcher performs a vector similarity search within one collection.
// Implementations live in internal/store (pgvector, chromem).
type Searcher interface {
	Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]Passage, error)
}

// Config tunes fan-out behavior.
type Config struct {
	// PerCollectionLimit bounds the number of passages returned by each
	// collection search. Default: DefaultPerCollectionLimit.
	PerCollectionLimit int

	// PerCollectionTimeout bounds each individual collection search.
	// Default: DefaultPerCollectionTimeout.
	PerCollectionTimeout time.Duration
}

// Fanout queries multiple collections concurrently and tolerates partial
// failure: a failing or timed-out collection is logged and excluded.
type Fanout struct {
	searcher Searcher
	limit    int
	timeout  time.Duration
	logger   log.Logger
}

// NewFanout creates a Fanout over the given searcher. Zero-value config
// fields use the package defaults.
func NewFanout(searcher Searcher, cfg Config, logger log.Logger) *Fanout {
	if logger == nil {
		logger = log.NewNop()
	}
	limit := cfg.PerCollectionLimit
	if limit <= 0 {
		limit = DefaultPerCollectionLimit
	}
	timeout := cfg.PerCollectionTimeout
	if timeout <= 0 {
		timeout = DefaultPerCollectionTimeout
	}
	return &Fanout{
		searcher: searcher,
		limit:    limit,
		timeout:  timeout,
		logger:   logger,
	}
}

// collectionResult carries one collection's outcome back from its goroutine.
type collectionResult struct {
	index    int
	passages []Passage
	err      error
}

// Search issues one search per collection concurrently and returns all
// passages from the collections that succeeded, annotated with their
// collection's display name. Input order is preserved across collections
// so the downstream merge is deterministic.
//
// Returns ErrUnavailable only when every collection search failed.
func (f *Fanout) Search(ctx context.Context, collections []Collection, vector []float32) ([]Passage, error) {
	if len(collections) == 0 {
		return nil, ErrUnavailable
	}

	results := make(chan collectionResult, len(collections))
	for i, col := range collections {
		go func(i int, col Collection) {
			searchCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			passages, err := f.searcher.Search(searchCtx, col.ID, vector, f.limit)
			if err == nil {
				for j := range passages {
					passages[j].CollectionID = col.ID
					passages[j].CollectionName = col.Name
				}
			}
			results <- collectionResult{index: i, passages: passages, err: err}
		}(i, col)
	}

	// Collect into index slots so output order does not depend on
	// goroutine scheduling.
	slots := make([][]Passage, len(collections))
	failures := 0
	for range collections {
		res := <-results
		if res.err != nil {
			failures++
			f.logger.Warn("collection search failed, excluding from results",
				"collection_id", collections[res.index].ID,
				"error", res.err)
			continue
		}
		slots[res.index] = res.passages
	}

	if failures == len(collections) {
		return nil, ErrUnavailable
	}

	var all []Passage
	for _, passages := range slots {
		all = append(all, passages...)
	}
	return all, nil
}
