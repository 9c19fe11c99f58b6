// Package synthesis generates grounded, citation-bearing answers from
// retrieved passages via a genkit model.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/citolabs/cito/internal/log"
	"github.com/citolabs/cito/internal/retrieval"
)

// Sentinel errors for synthesis outcomes.
var (
	// ErrUnavailable indicates the model could not produce an answer
	// after retries. Callers degrade rather than fail the whole query.
	ErrUnavailable = errors.New("synthesis unavailable")

	// ErrEmptyResponse indicates the model returned no text at all.
	ErrEmptyResponse = errors.New("synthesis returned empty response")
)

// Timeouts.
const (
	DefaultTimeout            = 30 * time.Second
	DefaultFirstTokenDeadline = 10 * time.Second
)

// ChunkFunc receives each streamed fragment of the answer. Returning an
// error aborts generation and Stream returns that error unchanged.
type ChunkFunc func(ctx context.Context, text string) error

// Config assembles a Synthesizer.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string
	Logger    log.Logger

	// Timeout bounds one synthesis end to end, including retries.
	// Default: DefaultTimeout.
	Timeout time.Duration

	// FirstTokenDeadline bounds the wait for the first streamed token of
	// an attempt. Default: DefaultFirstTokenDeadline.
	FirstTokenDeadline time.Duration

	// Retry controls backoff for transient provider errors. Zero value
	// uses DefaultRetryConfig.
	Retry RetryConfig

	// RateLimiter optionally throttles model calls. Each retry attempt
	// waits on it separately.
	RateLimiter *rate.Limiter
}

// Synthesizer turns a query plus passages into a cited answer. It is
// stateless and safe for concurrent use.
type Synthesizer struct {
	g                  *genkit.Genkit
	modelName          string
	logger             log.Logger
	timeout            time.Duration
	firstTokenDeadline time.Duration
	retry              RetryConfig
	limiter            *rate.Limiter
}

// New creates a Synthesizer from cfg.
func New(cfg Config) (*Synthesizer, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("synthesis: genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("synthesis: model name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FirstTokenDeadline <= 0 {
		cfg.FirstTokenDeadline = DefaultFirstTokenDeadline
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Synthesizer{
		g:                  cfg.Genkit,
		modelName:          cfg.ModelName,
		logger:             cfg.Logger,
		timeout:            cfg.Timeout,
		firstTokenDeadline: cfg.FirstTokenDeadline,
		retry:              cfg.Retry,
		limiter:            cfg.RateLimiter,
	}, nil
}

// Stream generates the answer for query over passages, delivering text
// fragments to onChunk as they arrive, and returns the complete answer.
//
// Transient provider errors are retried with exponential backoff, but
// only while nothing has been streamed yet: once a token reached
// onChunk, a retry would replay text the caller already forwarded.
// Exhausted retries surface as ErrUnavailable. An error returned by
// onChunk aborts generation and is returned as-is.
func (s *Synthesizer) Stream(ctx context.Context, query string, passages []retrieval.Passage, onChunk ChunkFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var lastErr error
	delay := s.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit wait: %w", err)
			}
		}

		text, streamed, callbackErr, err := s.attempt(ctx, query, passages, onChunk)
		if err == nil {
			s.logger.Debug("synthesis completed",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return text, nil
		}
		if callbackErr != nil {
			return "", callbackErr
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: timed out after %v", ErrUnavailable, time.Since(start))
			}
			return "", ctx.Err()
		}

		lastErr = err
		if streamed || !retryableError(err) {
			break
		}
		if attempt == s.retry.MaxRetries {
			break
		}

		s.logger.Debug("retrying synthesis",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, s.retry.MaxInterval)
		}
	}

	if errors.Is(lastErr, ErrEmptyResponse) {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Complete is the non-streaming variant used by the aggregate query
// path.
func (s *Synthesizer) Complete(ctx context.Context, query string, passages []retrieval.Passage) (string, error) {
	return s.Stream(ctx, query, passages, nil)
}

// attempt runs a single generation. It reports whether any token was
// streamed and, separately, an error produced by the caller's callback.
func (s *Synthesizer) attempt(ctx context.Context, query string, passages []retrieval.Passage, onChunk ChunkFunc) (text string, streamed bool, callbackErr error, err error) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	// The first-token deadline only applies when streaming: without a
	// callback there is no token arrival to observe.
	var gotFirst atomic.Bool
	if onChunk != nil {
		firstToken := time.AfterFunc(s.firstTokenDeadline, func() {
			if !gotFirst.Load() {
				cancelAttempt()
			}
		})
		defer firstToken.Stop()
	}

	var (
		sawToken bool
		cbErr    error
	)
	opts := []ai.GenerateOption{
		ai.WithModelName(s.modelName),
		ai.WithSystem(SystemPrompt()),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart(BuildPrompt(query, passages)))),
	}
	if onChunk != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			gotFirst.Store(true)
			sawToken = true
			if err := onChunk(ctx, chunk.Text()); err != nil {
				cbErr = err
				return err
			}
			return nil
		}))
	}

	resp, err := genkit.Generate(attemptCtx, s.g, opts...)
	if err != nil {
		if cbErr != nil {
			return "", sawToken, cbErr, err
		}
		if attemptCtx.Err() != nil && ctx.Err() == nil && !gotFirst.Load() {
			return "", sawToken, nil, fmt.Errorf("no token within %v: %w", s.firstTokenDeadline, err)
		}
		return "", sawToken, nil, err
	}

	text = resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", sawToken, nil, ErrEmptyResponse
	}
	return text, sawToken, nil, nil
}
