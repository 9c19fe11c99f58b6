// Package engine orchestrates the query pipeline: permission check,
// query embedding, collection fan-out, merge, streaming synthesis,
// citation extraction and confidence scoring.
//
// Two entry points expose the same pipeline: Stream delivers typed
// events as work progresses, Query waits and returns the final Result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/citolabs/cito/internal/citation"
	"github.com/citolabs/cito/internal/confidence"
	"github.com/citolabs/cito/internal/embedding"
	"github.com/citolabs/cito/internal/log"
	"github.com/citolabs/cito/internal/permission"
	"github.com/citolabs/cito/internal/retrieval"
	"github.com/citolabs/cito/internal/synthesis"
)

// Pipeline defaults.
const (
	DefaultMaxQueryLen       = 500
	DefaultSynthesisPassages = 5
)

// Disclaimers attached to degraded results.
const (
	// DisclaimerCitations marks an answer whose citation markers could
	// not be mapped back to sources. The answer text is kept, the
	// citation list is cleared.
	DisclaimerCitations = "Source citations could not be verified for this answer and have been omitted."

	// DisclaimerSynthesis marks a result where the model produced no
	// answer. Retrieved sources are still included.
	DisclaimerSynthesis = "An answer could not be generated. The retrieved sources are listed without synthesis."
)

// degradedCitationConfidence is the fixed score for answers whose
// citations failed validation: the text exists but its grounding is
// unverifiable.
const degradedCitationConfidence = 0.5

// errClientGone marks an emit failure, i.e. the client stopped reading.
var errClientGone = errors.New("client disconnected")

// Retriever searches the permitted collections for a query vector.
// *retrieval.Fanout satisfies this.
type Retriever interface {
	Search(ctx context.Context, collections []retrieval.Collection, vector []float32) ([]retrieval.Passage, error)
}

// Synthesizer generates the answer text. A nil onChunk disables
// streaming. *synthesis.Synthesizer satisfies this.
type Synthesizer interface {
	Stream(ctx context.Context, query string, passages []retrieval.Passage, onChunk synthesis.ChunkFunc) (string, error)
}

// Request is one query against the knowledge base.
type Request struct {
	// Principal identifies the caller for permission checks and audit.
	Principal string `json:"principal"`

	// Query is the natural-language question.
	Query string `json:"query"`

	// Collections optionally restricts the search to specific
	// collection IDs. Empty means every permitted collection.
	Collections []string `json:"collections,omitempty"`

	// Limit optionally lowers the merged result count for this query.
	// Values above the engine's configured top-K are capped; zero means
	// the configured default.
	Limit int `json:"limit,omitempty"`
}

// Result is the terminal outcome of a query.
type Result struct {
	SessionID string `json:"session_id"`

	Answer    string              `json:"answer"`
	Citations []citation.Citation `json:"citations"`

	// Sources is the merged, ranked passage list the answer was
	// synthesized from.
	Sources []retrieval.Passage `json:"sources"`

	Confidence float64 `json:"confidence"`

	// Degraded is set when part of the pipeline failed and the result
	// was downgraded instead of erroring. Disclaimer says how.
	Degraded   bool   `json:"degraded,omitempty"`
	Disclaimer string `json:"disclaimer,omitempty"`

	Duration time.Duration `json:"duration"`
}

// session carries per-query state through the pipeline.
type session struct {
	id          string
	principal   string
	query       string
	collections []retrieval.Collection
	topK        int
	start       time.Time
}

func (s *session) collectionIDs() []string {
	ids := make([]string, len(s.collections))
	for i, c := range s.collections {
		ids[i] = c.ID
	}
	return ids
}

// Config assembles an Engine. Embedder, Retriever, Synthesizer and
// Permissions are required.
type Config struct {
	Embedder    embedding.Gateway
	Retriever   Retriever
	Synthesizer Synthesizer
	Permissions permission.Service

	// Scorer computes answer confidence. Default: confidence.NewScorer().
	Scorer *confidence.Scorer

	// Audit receives one record per query, asynchronously. Nil disables
	// auditing.
	Audit AuditSink

	Logger log.Logger

	// TopK caps the merged passage list. Default: retrieval.DefaultTopK.
	TopK int

	// SynthesisPassages caps how many top passages reach the prompt.
	// Default: DefaultSynthesisPassages.
	SynthesisPassages int

	// MaxQueryLen bounds query length in runes. Default: DefaultMaxQueryLen.
	MaxQueryLen int
}

// Engine runs the query pipeline. Safe for concurrent use.
type Engine struct {
	embedder    embedding.Gateway
	retriever   Retriever
	synthesizer Synthesizer
	permissions permission.Service
	scorer      *confidence.Scorer
	audit       AuditSink
	logger      log.Logger

	topK              int
	synthesisPassages int
	maxQueryLen       int

	wg sync.WaitGroup
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("engine: embedder is required")
	}
	if cfg.Retriever == nil {
		return nil, errors.New("engine: retriever is required")
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("engine: synthesizer is required")
	}
	if cfg.Permissions == nil {
		return nil, errors.New("engine: permission service is required")
	}
	if cfg.Scorer == nil {
		cfg.Scorer = confidence.NewScorer()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.SynthesisPassages <= 0 {
		cfg.SynthesisPassages = DefaultSynthesisPassages
	}
	if cfg.MaxQueryLen <= 0 {
		cfg.MaxQueryLen = DefaultMaxQueryLen
	}
	return &Engine{
		embedder:          cfg.Embedder,
		retriever:         cfg.Retriever,
		synthesizer:       cfg.Synthesizer,
		permissions:       cfg.Permissions,
		scorer:            cfg.Scorer,
		audit:             cfg.Audit,
		logger:            cfg.Logger,
		topK:              cfg.TopK,
		synthesisPassages: cfg.SynthesisPassages,
		maxQueryLen:       cfg.MaxQueryLen,
	}, nil
}

// Close waits for in-flight audit deliveries to finish.
func (e *Engine) Close() {
	e.wg.Wait()
}

// prepare validates the request and resolves permissions. It runs
// before any provider call so rejected queries cost nothing.
func (e *Engine) prepare(ctx context.Context, req Request) (*session, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrQueryTooShort
	}
	if utf8.RuneCountInString(query) > e.maxQueryLen {
		return nil, fmt.Errorf("%w (%d runes, max %d)", ErrQueryTooLong, utf8.RuneCountInString(query), e.maxQueryLen)
	}

	collections, err := e.permissions.PermittedCollections(ctx, req.Principal, req.Collections)
	if err != nil {
		return nil, newError(CodePermissionDenied, "resolving permissions", err)
	}
	if len(collections) == 0 {
		return nil, ErrNoCollections
	}

	topK := e.topK
	if req.Limit > 0 && req.Limit < topK {
		topK = req.Limit
	}

	return &session{
		id:          uuid.NewString(),
		principal:   req.Principal,
		query:       query,
		collections: collections,
		topK:        topK,
		start:       time.Now(),
	}, nil
}

// Stream runs the pipeline, delivering events through emit. Validation
// and permission failures are returned as errors before any event;
// after streaming begins, failures arrive as terminal error events and
// Stream returns nil. A failing emit means the client went away: the
// pipeline stops silently and in-flight model generation is aborted.
func (e *Engine) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	sess, err := e.prepare(ctx, req)
	if err != nil {
		return err
	}

	state := stateIdle
	send := func(ev Event) error {
		if err := emit(ev); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		return nil
	}

	fail := func(code ErrorCode, message string, cause error) {
		state.advance(stateFailed)
		e.logger.Error("query failed",
			"session_id", sess.id,
			"code", code,
			"error", cause)
		_ = send(Event{Type: EventError, Code: code, Message: message})
		e.recordAudit(sess, nil, string(code))
	}

	finish := func(result *Result) error {
		state.advance(stateDone)
		if err := send(Event{Type: EventDone, Result: result}); err != nil {
			return nil
		}
		e.recordAudit(sess, result, "")
		return nil
	}

	state.advance(stateSearching)
	if send(Event{Type: EventStatus, Phase: PhaseSearching}) != nil {
		return nil
	}

	vector, err := e.embedder.Embed(ctx, sess.query)
	if err != nil {
		fail(CodeRetrievalUnavailable, "query embedding failed", err)
		return nil
	}

	found, err := e.retriever.Search(ctx, sess.collections, vector)
	if err != nil {
		fail(CodeRetrievalUnavailable, "all collection searches failed", err)
		return nil
	}

	merged := retrieval.Merge(found, sess.topK)
	if len(merged) == 0 {
		return finish(e.noInformationResult(sess))
	}

	subset := merged[:min(len(merged), e.synthesisPassages)]

	state.advance(stateSynthesizing)
	if send(Event{Type: EventStatus, Phase: PhaseSynthesizing}) != nil {
		return nil
	}

	scanner := citation.NewScanner(subset)
	citationFailed := false

	answer, synthErr := e.synthesizer.Stream(ctx, sess.query, subset, func(chunkCtx context.Context, chunk string) error {
		if err := send(Event{Type: EventToken, Token: chunk}); err != nil {
			return err
		}
		if citationFailed {
			return nil
		}
		emitted, err := scanner.Feed(chunk)
		if err != nil {
			// Keep streaming the answer; the terminal result will be
			// downgraded instead.
			citationFailed = true
			e.logger.Warn("citation mapping failed mid-stream",
				"session_id", sess.id,
				"error", err)
			return nil
		}
		for i := range emitted {
			if err := send(Event{Type: EventCitation, Citation: &emitted[i]}); err != nil {
				return err
			}
		}
		return nil
	})

	if synthErr != nil {
		switch {
		case errors.Is(synthErr, errClientGone):
			e.recordAudit(sess, nil, string(CodeCancelled))
			return nil
		case ctx.Err() != nil:
			// Request context gone, nobody is listening.
			e.recordAudit(sess, nil, string(CodeCancelled))
			return nil
		case errors.Is(synthErr, synthesis.ErrUnavailable), errors.Is(synthErr, synthesis.ErrEmptyResponse):
			result := e.degradedSynthesisResult(sess, merged)
			return finish(result)
		default:
			fail(CodeSynthesisFailed, "answer generation failed", synthErr)
			return nil
		}
	}

	state.advance(stateCompleting)
	if send(Event{Type: EventStatus, Phase: PhaseCompleting}) != nil {
		return nil
	}

	result := &Result{
		SessionID: sess.id,
		Answer:    answer,
		Sources:   merged,
		Duration:  time.Since(sess.start),
	}
	if citationFailed {
		result.Degraded = true
		result.Disclaimer = DisclaimerCitations
		result.Confidence = degradedCitationConfidence
	} else {
		result.Citations = scanner.Citations()
		result.Confidence = e.scorer.Score(answer, subset)
	}
	return finish(result)
}

// Query runs the pipeline to completion without streaming. Degradations
// still produce a Result; only validation, permission and total
// retrieval failures return errors.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	sess, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	vector, err := e.embedder.Embed(ctx, sess.query)
	if err != nil {
		e.recordAudit(sess, nil, string(CodeRetrievalUnavailable))
		return nil, newError(CodeRetrievalUnavailable, "query embedding failed", err)
	}

	found, err := e.retriever.Search(ctx, sess.collections, vector)
	if err != nil {
		e.recordAudit(sess, nil, string(CodeRetrievalUnavailable))
		return nil, newError(CodeRetrievalUnavailable, "all collection searches failed", err)
	}

	merged := retrieval.Merge(found, sess.topK)
	if len(merged) == 0 {
		result := e.noInformationResult(sess)
		e.recordAudit(sess, result, "")
		return result, nil
	}

	subset := merged[:min(len(merged), e.synthesisPassages)]

	answer, err := e.synthesizer.Stream(ctx, sess.query, subset, nil)
	if err != nil {
		if errors.Is(err, synthesis.ErrUnavailable) || errors.Is(err, synthesis.ErrEmptyResponse) {
			result := e.degradedSynthesisResult(sess, merged)
			e.recordAudit(sess, result, "")
			return result, nil
		}
		e.recordAudit(sess, nil, string(CodeSynthesisFailed))
		return nil, newError(CodeSynthesisFailed, "answer generation failed", err)
	}

	result := &Result{
		SessionID: sess.id,
		Answer:    answer,
		Sources:   merged,
		Duration:  time.Since(sess.start),
	}
	cits, err := citation.Extract(answer, subset)
	if err != nil {
		e.logger.Warn("citation mapping failed",
			"session_id", sess.id,
			"error", err)
		result.Degraded = true
		result.Disclaimer = DisclaimerCitations
		result.Confidence = degradedCitationConfidence
	} else {
		result.Citations = cits
		result.Confidence = e.scorer.Score(answer, subset)
	}
	e.recordAudit(sess, result, "")
	return result, nil
}

// Search runs only the retrieval half of the pipeline: validation,
// permission check, query embedding, fan-out and merge. No model call
// is made. Used by callers that want raw ranked passages.
func (e *Engine) Search(ctx context.Context, req Request) ([]retrieval.Passage, error) {
	sess, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	vector, err := e.embedder.Embed(ctx, sess.query)
	if err != nil {
		return nil, newError(CodeRetrievalUnavailable, "query embedding failed", err)
	}

	found, err := e.retriever.Search(ctx, sess.collections, vector)
	if err != nil {
		return nil, newError(CodeRetrievalUnavailable, "all collection searches failed", err)
	}
	return retrieval.Merge(found, sess.topK), nil
}

// noInformationResult is the terminal result when retrieval found
// nothing: the canonical no-information answer with zero confidence,
// produced without a model call.
func (e *Engine) noInformationResult(sess *session) *Result {
	return &Result{
		SessionID:  sess.id,
		Answer:     synthesis.NoInformationAnswer,
		Citations:  []citation.Citation{},
		Sources:    []retrieval.Passage{},
		Confidence: 0,
		Duration:   time.Since(sess.start),
	}
}

// degradedSynthesisResult is the terminal result when the model could
// not produce an answer: no text, no citations, zero confidence, but
// the retrieved sources are preserved.
func (e *Engine) degradedSynthesisResult(sess *session, sources []retrieval.Passage) *Result {
	return &Result{
		SessionID:  sess.id,
		Answer:     "",
		Citations:  []citation.Citation{},
		Sources:    sources,
		Confidence: 0,
		Degraded:   true,
		Disclaimer: DisclaimerSynthesis,
		Duration:   time.Since(sess.start),
	}
}

// recordAudit ships the audit record without blocking the request path.
func (e *Engine) recordAudit(sess *session, result *Result, errCode string) {
	if e.audit == nil {
		return
	}
	rec := AuditRecord{
		SessionID:   sess.id,
		Principal:   sess.principal,
		Query:       sess.query,
		Collections: sess.collectionIDs(),
		Error:       errCode,
		Duration:    time.Since(sess.start),
		At:          time.Now(),
	}
	if result != nil {
		rec.Passages = len(result.Sources)
		rec.Citations = len(result.Citations)
		rec.Confidence = result.Confidence
		rec.Degraded = result.Degraded
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.audit.Record(context.Background(), rec)
	}()
}
