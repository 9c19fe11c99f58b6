package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citolabs/cito/internal/log"
)

// fakeSearcher returns canned passages or errors per collection ID.
type fakeSearcher struct {
	mu       sync.Mutex
	passages map[string][]Passage
	errs     map[string]error
	delays   map[string]time.Duration
	calls    []string
}

func (f *fakeSearcher) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]Passage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, collectionID)
	f.mu.Unlock()

	if d, ok := f.delays[collectionID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.errs[collectionID]; ok {
		return nil, err
	}
	return f.passages[collectionID], nil
}

func TestFanout_SearchesAllCollections(t *testing.T) {
	searcher := &fakeSearcher{
		passages: map[string][]Passage{
			"c1": {{DocumentID: "d1", Relevance: 0.9}},
			"c2": {{DocumentID: "d2", Relevance: 0.8}},
		},
	}
	fanout := NewFanout(searcher, Config{}, log.NewNop())

	got, err := fanout.Search(context.Background(), []Collection{
		{ID: "c1", Name: "Notes"},
		{ID: "c2", Name: "Papers"},
	}, []float32{0.1})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"c1", "c2"}, searcher.calls)
}

func TestFanout_AnnotatesCollectionName(t *testing.T) {
	searcher := &fakeSearcher{
		passages: map[string][]Passage{
			"c1": {{DocumentID: "d1"}},
		},
	}
	fanout := NewFanout(searcher, Config{}, log.NewNop())

	got, err := fanout.Search(context.Background(), []Collection{{ID: "c1", Name: "Notes"}}, nil)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].CollectionID)
	assert.Equal(t, "Notes", got[0].CollectionName)
}

func TestFanout_PartialFailureExcludesFailedCollection(t *testing.T) {
	searcher := &fakeSearcher{
		passages: map[string][]Passage{
			"ok": {{DocumentID: "d1", Relevance: 0.9}},
		},
		errs: map[string]error{
			"broken": errors.New("connection refused"),
		},
	}
	fanout := NewFanout(searcher, Config{}, log.NewNop())

	got, err := fanout.Search(context.Background(), []Collection{
		{ID: "broken"},
		{ID: "ok"},
	}, nil)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DocumentID)
}

func TestFanout_AllFailuresReturnErrUnavailable(t *testing.T) {
	searcher := &fakeSearcher{
		errs: map[string]error{
			"c1": errors.New("down"),
			"c2": errors.New("down"),
		},
	}
	fanout := NewFanout(searcher, Config{}, log.NewNop())

	_, err := fanout.Search(context.Background(), []Collection{{ID: "c1"}, {ID: "c2"}}, nil)

	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFanout_NoCollectionsReturnsErrUnavailable(t *testing.T) {
	fanout := NewFanout(&fakeSearcher{}, Config{}, log.NewNop())

	_, err := fanout.Search(context.Background(), nil, nil)

	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFanout_SlowCollectionTimesOutWithoutBlockingOthers(t *testing.T) {
	searcher := &fakeSearcher{
		passages: map[string][]Passage{
			"fast": {{DocumentID: "d1", Relevance: 0.9}},
			"slow": {{DocumentID: "d2", Relevance: 0.8}},
		},
		delays: map[string]time.Duration{
			"slow": time.Second,
		},
	}
	fanout := NewFanout(searcher, Config{PerCollectionTimeout: 20 * time.Millisecond}, log.NewNop())

	start := time.Now()
	got, err := fanout.Search(context.Background(), []Collection{{ID: "fast"}, {ID: "slow"}}, nil)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DocumentID)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFanout_OutputOrderFollowsInputOrder(t *testing.T) {
	searcher := &fakeSearcher{
		passages: map[string][]Passage{
			"c1": {{DocumentID: "a"}},
			"c2": {{DocumentID: "b"}},
			"c3": {{DocumentID: "c"}},
		},
		delays: map[string]time.Duration{
			// First collection finishes last.
			"c1": 30 * time.Millisecond,
		},
	}
	fanout := NewFanout(searcher, Config{}, log.NewNop())

	got, err := fanout.Search(context.Background(), []Collection{
		{ID: "c1"}, {ID: "c2"}, {ID: "c3"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}
