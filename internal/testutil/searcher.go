package testutil

import (
	"context"
	"sync"

	"github.com/citolabs/cito/internal/retrieval"
)

// StaticSearcher serves canned passages per collection. Collections with
// a registered error fail; unknown collections return no passages.
//
// Thread-safe for concurrent use.
type StaticSearcher struct {
	mu       sync.Mutex
	passages map[string][]retrieval.Passage
	errs     map[string]error
	calls    int
}

// NewStaticSearcher creates an empty StaticSearcher.
func NewStaticSearcher() *StaticSearcher {
	return &StaticSearcher{
		passages: make(map[string][]retrieval.Passage),
		errs:     make(map[string]error),
	}
}

// Add appends passages to a collection.
func (s *StaticSearcher) Add(collectionID string, passages ...retrieval.Passage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passages[collectionID] = append(s.passages[collectionID], passages...)
}

// Fail makes searches against a collection return err.
func (s *StaticSearcher) Fail(collectionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[collectionID] = err
}

// Calls reports the number of Search invocations.
func (s *StaticSearcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Search implements retrieval.Searcher.
func (s *StaticSearcher) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]retrieval.Passage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if err := s.errs[collectionID]; err != nil {
		return nil, err
	}
	passages := s.passages[collectionID]
	if len(passages) > limit {
		passages = passages[:limit]
	}
	out := make([]retrieval.Passage, len(passages))
	copy(out, passages)
	return out, nil
}
