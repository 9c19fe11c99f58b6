package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/citolabs/cito/internal/log"
	"github.com/citolabs/cito/internal/permission"
	"github.com/citolabs/cito/internal/retrieval"
	"github.com/citolabs/cito/internal/synthesis"
	"github.com/citolabs/cito/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEmbedder counts calls and returns a fixed vector.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSynthesizer replays scripted chunks through the callback.
type fakeSynthesizer struct {
	mu     sync.Mutex
	chunks []string
	err    error
	calls  int
	aborts int
}

func (f *fakeSynthesizer) Stream(ctx context.Context, query string, passages []retrieval.Passage, onChunk synthesis.ChunkFunc) (string, error) {
	f.mu.Lock()
	f.calls++
	chunks, err := f.chunks, f.err
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	for _, chunk := range chunks {
		if onChunk != nil {
			if cbErr := onChunk(ctx, chunk); cbErr != nil {
				f.mu.Lock()
				f.aborts++
				f.mu.Unlock()
				return "", cbErr
			}
		}
	}
	return strings.Join(chunks, ""), nil
}

func (f *fakeSynthesizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// collector gathers events and can simulate a client disconnect.
type collector struct {
	events    []Event
	failAfter int // fail once this many events were accepted; 0 = never
}

func (c *collector) emit(ev Event) error {
	if c.failAfter > 0 && len(c.events) >= c.failAfter {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) types() []EventType {
	out := make([]EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	engine      *Engine
	embedder    *fakeEmbedder
	searcher    *testutil.StaticSearcher
	synthesizer *fakeSynthesizer
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	searcher := testutil.NewStaticSearcher()
	searcher.Add("c1",
		retrieval.Passage{DocumentID: "d1", DocumentName: "Handbook", Text: "Fifteen vacation days accrue annually.", Relevance: 0.9},
		retrieval.Passage{DocumentID: "d2", DocumentName: "FAQ", Text: "Five days roll over.", Relevance: 0.7},
	)
	searcher.Add("c2",
		retrieval.Passage{DocumentID: "d3", DocumentName: "Memo", Text: "Approval required for extended leave.", Relevance: 0.8},
	)

	perms := permission.NewStatic()
	perms.Grant("alice",
		retrieval.Collection{ID: "c1", Name: "HR Policies"},
		retrieval.Collection{ID: "c2", Name: "Memos"},
	)

	embedder := &fakeEmbedder{}
	synthesizer := &fakeSynthesizer{chunks: []string{"Fifteen days ", "[1] and five ", "roll over [2]."}}

	cfg := Config{
		Embedder:    embedder,
		Retriever:   retrieval.NewFanout(searcher, retrieval.Config{}, log.NewNop()),
		Synthesizer: synthesizer,
		Permissions: perms,
		Logger:      log.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	return &fixture{
		engine:      eng,
		embedder:    embedder,
		searcher:    searcher,
		synthesizer: synthesizer,
	}
}

func streamReq() Request {
	return Request{Principal: "alice", Query: "How many vacation days?"}
}

func TestStream_EventOrder(t *testing.T) {
	f := newFixture(t, nil)
	var c collector

	err := f.engine.Stream(context.Background(), streamReq(), c.emit)
	require.NoError(t, err)

	types := c.types()
	require.NotEmpty(t, types)

	assert.Equal(t, EventStatus, types[0])
	assert.Equal(t, PhaseSearching, c.events[0].Phase)
	assert.Equal(t, EventDone, types[len(types)-1], "terminal event must be last")

	// Exactly one terminal event.
	terminals := 0
	for _, ev := range c.events {
		if ev.Type == EventDone || ev.Type == EventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	// Tokens only appear after the synthesizing status.
	sawSynthesizing := false
	for _, ev := range c.events {
		if ev.Type == EventStatus && ev.Phase == PhaseSynthesizing {
			sawSynthesizing = true
		}
		if ev.Type == EventToken {
			assert.True(t, sawSynthesizing, "token before synthesizing status")
		}
	}
}

func TestStream_TokensReassembleAnswer(t *testing.T) {
	f := newFixture(t, nil)
	var c collector

	require.NoError(t, f.engine.Stream(context.Background(), streamReq(), c.emit))

	var sb strings.Builder
	for _, ev := range testutilFilter(c.events, EventToken) {
		sb.WriteString(ev.Token)
	}
	done := c.events[len(c.events)-1]
	require.NotNil(t, done.Result)
	assert.Equal(t, done.Result.Answer, sb.String())
}

func TestStream_CitationEventsMatchResult(t *testing.T) {
	f := newFixture(t, nil)
	var c collector

	require.NoError(t, f.engine.Stream(context.Background(), streamReq(), c.emit))

	citations := testutilFilter(c.events, EventCitation)
	require.Len(t, citations, 2)
	assert.Equal(t, 1, citations[0].Citation.Marker)
	assert.Equal(t, 2, citations[1].Citation.Marker)

	done := c.events[len(c.events)-1]
	require.Equal(t, EventDone, done.Type)
	require.Len(t, done.Result.Citations, 2)
	assert.False(t, done.Result.Degraded)
	assert.Greater(t, done.Result.Confidence, 0.0)
}

func TestStream_EmptyQueryRejectedBeforeAnyWork(t *testing.T) {
	f := newFixture(t, nil)
	var c collector

	err := f.engine.Stream(context.Background(), Request{Principal: "alice", Query: "   "}, c.emit)

	assert.ErrorIs(t, err, ErrQueryTooShort)
	assert.Empty(t, c.events)
	assert.Equal(t, 0, f.embedder.Calls())
}

func TestStream_OverlongQueryRejected(t *testing.T) {
	f := newFixture(t, nil)
	var c collector

	err := f.engine.Stream(context.Background(), Request{
		Principal: "alice",
		Query:     strings.Repeat("x", 501),
	}, c.emit)

	assert.ErrorIs(t, err, ErrQueryTooLong)
	assert.Empty(t, c.events)
}

func TestStream_UnknownPrincipalFailsClosed(t *testing.T) {
	f := newFixture(t, nil)
	var c collector

	err := f.engine.Stream(context.Background(), Request{Principal: "mallory", Query: "secrets?"}, c.emit)

	assert.ErrorIs(t, err, ErrNoCollections)
	assert.Empty(t, c.events)
	assert.Equal(t, 0, f.embedder.Calls(), "embedding must not run for denied queries")
	assert.Equal(t, 0, f.searcher.Calls(), "search must not run for denied queries")
}

func TestStream_PartialRetrievalFailureStillAnswers(t *testing.T) {
	f := newFixture(t, nil)
	f.searcher.Fail("c2", errors.New("connection refused"))
	var c collector

	require.NoError(t, f.engine.Stream(context.Background(), streamReq(), c.emit))

	done := c.events[len(c.events)-1]
	require.Equal(t, EventDone, done.Type)
	for _, src := range done.Result.Sources {
		assert.NotEqual(t, "c2", src.CollectionID)
	}
}

func TestStream_TotalRetrievalFailureEmitsErrorEvent(t *testing.T) {
	f := newFixture(t, nil)
	f.searcher.Fail("c1", errors.New("down"))
	f.searcher.Fail("c2", errors.New("down"))
	var c collector

	err := f.engine.Stream(context.Background(), streamReq(), c.emit)
	require.NoError(t, err)

	last := c.events[len(c.events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeRetrievalUnavailable, last.Code)
	assert.Equal(t, 0, f.synthesizer.Calls(), "synthesis must not run without passages")
}

func TestStream_NoPassagesShortCircuitsSynthesis(t *testing.T) {
	// Grant only a collection with no content.
	perms := permission.NewStatic()
	perms.Grant("alice", retrieval.Collection{ID: "empty", Name: "Empty"})
	f := newFixture(t, func(cfg *Config) { cfg.Permissions = perms })
	var c collector

	require.NoError(t, f.engine.Stream(context.Background(), streamReq(), c.emit))

	done := c.events[len(c.events)-1]
	require.Equal(t, EventDone, done.Type)
	assert.Equal(t, synthesis.NoInformationAnswer, done.Result.Answer)
	assert.Equal(t, 0.0, done.Result.Confidence)
	assert.Empty(t, done.Result.Citations)
	assert.Equal(t, 0, f.synthesizer.Calls())
}

func TestStream_SynthesisUnavailableDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.synthesizer.err = synthesis.ErrUnavailable
	var c collector

	require.NoError(t, f.engine.Stream(context.Background(), streamReq(), c.emit))

	done := c.events[len(c.events)-1]
	require.Equal(t, EventDone, done.Type)
	assert.True(t, done.Result.Degraded)
	assert.Equal(t, DisclaimerSynthesis, done.Result.Disclaimer)
	assert.Equal(t, 0.0, done.Result.Confidence)
	assert.Empty(t, done.Result.Answer)
	assert.NotEmpty(t, done.Result.Sources, "sources survive synthesis failure")
}

func TestStream_CitationMappingFailureKeepsAnswerDropsCitations(t *testing.T) {
	f := newFixture(t, nil)
	// Marker [9] exceeds the passage count.
	f.synthesizer.chunks = []string{"Valid claim [1]. ", "Bogus claim [9]. ", "More text."}
	var c collector

	require.NoError(t, f.engine.Stream(context.Background(), streamReq(), c.emit))

	// The valid citation emitted before the failure stays emitted.
	citations := testutilFilter(c.events, EventCitation)
	require.Len(t, citations, 1)
	assert.Equal(t, 1, citations[0].Citation.Marker)

	// Streaming continued past the bad marker.
	tokens := testutilFilter(c.events, EventToken)
	assert.Len(t, tokens, 3)

	done := c.events[len(c.events)-1]
	require.Equal(t, EventDone, done.Type)
	assert.True(t, done.Result.Degraded)
	assert.Equal(t, DisclaimerCitations, done.Result.Disclaimer)
	assert.Empty(t, done.Result.Citations)
	assert.InDelta(t, 0.5, done.Result.Confidence, 1e-9)
	assert.NotEmpty(t, done.Result.Answer)
}

func TestStream_ClientDisconnectTerminatesSilently(t *testing.T) {
	f := newFixture(t, nil)
	c := collector{failAfter: 3}

	err := f.engine.Stream(context.Background(), streamReq(), c.emit)

	require.NoError(t, err)
	for _, ev := range c.events {
		assert.NotEqual(t, EventDone, ev.Type)
		assert.NotEqual(t, EventError, ev.Type)
	}
}

func TestStream_ClientDisconnectLeavesCancelledAudit(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, func(cfg *Config) { cfg.Audit = sink })
	c := collector{failAfter: 3}

	err := f.engine.Stream(context.Background(), streamReq(), c.emit)
	require.NoError(t, err)

	f.engine.Close()
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, string(CodeCancelled), recs[0].Error)
	assert.Equal(t, "alice", recs[0].Principal)
	assert.Zero(t, recs[0].Citations)
}

func TestQuery_HappyPath(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.engine.Query(context.Background(), streamReq())

	require.NoError(t, err)
	assert.Equal(t, "Fifteen days [1] and five roll over [2].", result.Answer)
	require.Len(t, result.Citations, 2)
	assert.Equal(t, "Handbook", result.Citations[0].DocumentName)
	assert.Greater(t, result.Confidence, 0.0)
	assert.NotEmpty(t, result.SessionID)
	assert.False(t, result.Degraded)
}

func TestQuery_ValidationErrors(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Query(context.Background(), Request{Principal: "alice"})
	assert.ErrorIs(t, err, ErrQueryTooShort)

	_, err = f.engine.Query(context.Background(), Request{Principal: "nobody", Query: "hi"})
	assert.ErrorIs(t, err, ErrNoCollections)
}

func TestQuery_TotalRetrievalFailureIsError(t *testing.T) {
	f := newFixture(t, nil)
	f.searcher.Fail("c1", errors.New("down"))
	f.searcher.Fail("c2", errors.New("down"))

	_, err := f.engine.Query(context.Background(), streamReq())

	require.Error(t, err)
	assert.Equal(t, CodeRetrievalUnavailable, CodeOf(err))
}

func TestQuery_SynthesisFailureDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.synthesizer.err = synthesis.ErrEmptyResponse

	result, err := f.engine.Query(context.Background(), streamReq())

	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, DisclaimerSynthesis, result.Disclaimer)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestQuery_CitationMappingFailureDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.synthesizer.chunks = []string{"Claim [42]."}

	result, err := f.engine.Query(context.Background(), streamReq())

	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Empty(t, result.Citations)
	assert.InDelta(t, 0.5, result.Confidence, 1e-9)
	assert.Equal(t, "Claim [42].", result.Answer)
}

func TestQuery_RestrictsToRequestedCollections(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.engine.Query(context.Background(), Request{
		Principal:   "alice",
		Query:       "leave policy?",
		Collections: []string{"c2"},
	})

	require.NoError(t, err)
	for _, src := range result.Sources {
		assert.Equal(t, "c2", src.CollectionID)
	}
}

func TestQuery_DeliversAuditRecord(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, func(cfg *Config) { cfg.Audit = sink })

	_, err := f.engine.Query(context.Background(), streamReq())
	require.NoError(t, err)

	f.engine.Close()
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].Principal)
	assert.Equal(t, 2, recs[0].Citations)
	assert.False(t, recs[0].Degraded)
}

type recordingSink struct {
	mu   sync.Mutex
	recs []AuditRecord
}

func (s *recordingSink) Record(ctx context.Context, rec AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.recs))
	copy(out, s.recs)
	return out
}

func testutilFilter(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestSearch_ReturnsMergedPassagesWithoutSynthesis(t *testing.T) {
	f := newFixture(t, nil)

	passages, err := f.engine.Search(context.Background(), streamReq())
	require.NoError(t, err)

	require.Len(t, passages, 3)
	assert.Equal(t, "d1", passages[0].DocumentID)
	assert.Equal(t, "d3", passages[1].DocumentID)
	assert.Equal(t, "d2", passages[2].DocumentID)
	assert.Equal(t, 0, f.synthesizer.Calls())
}

func TestSearch_FailsClosedForUnknownPrincipal(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Search(context.Background(), Request{Principal: "mallory", Query: "hi"})
	require.ErrorIs(t, err, ErrNoCollections)
	assert.Equal(t, 0, f.embedder.Calls())
}

func TestSearch_LimitCapsMergedResults(t *testing.T) {
	f := newFixture(t, nil)

	req := streamReq()
	req.Limit = 2

	passages, err := f.engine.Search(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, passages, 2)
	assert.Equal(t, "d1", passages[0].DocumentID)
	assert.Equal(t, "d3", passages[1].DocumentID)
}
