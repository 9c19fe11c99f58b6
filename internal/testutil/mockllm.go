// Package testutil provides deterministic genkit mocks and protocol
// helpers shared by tests across the module.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockModel is a scripted genkit model. Each registered rule matches a
// substring of the user message and replays its chunks through the
// streaming callback, so tests control exactly how answer text is split
// across chunks.
//
// Thread-safe for concurrent use.
type MockModel struct {
	mu           sync.Mutex
	rules        []modelRule
	fallback     []string
	calls        int
	streamAborts int
}

type modelRule struct {
	pattern  string
	chunks   []string
	err      error
	failures int // calls that return err before chunks succeed; -1 = always
}

// NewMockModel creates a mock whose unmatched calls stream the given
// fallback chunks. No fallback means a single "mock response" chunk.
func NewMockModel(fallback ...string) *MockModel {
	if len(fallback) == 0 {
		fallback = []string{"mock response"}
	}
	return &MockModel{fallback: fallback}
}

// Script registers a pattern that streams the given chunks. Patterns are
// matched case-insensitively in registration order; first match wins.
func (m *MockModel) Script(pattern string, chunks ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, modelRule{pattern: strings.ToLower(pattern), chunks: chunks})
}

// ScriptError registers a pattern that fails with err for the first
// `failures` calls and then streams chunks. failures < 0 fails forever.
func (m *MockModel) ScriptError(pattern string, err error, failures int, chunks ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, modelRule{
		pattern:  strings.ToLower(pattern),
		chunks:   chunks,
		err:      err,
		failures: failures,
	})
}

// Calls reports how many times the model was invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// StreamAborts reports how many streams were cut short by the callback
// returning an error, e.g. after a client disconnect.
func (m *MockModel) StreamAborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamAborts
}

// Register installs the mock under the name "mock/test-model".
func (m *MockModel) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, "mock/test-model", &ai.ModelOptions{
		Label: "Mock Test Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			SystemRole: true,
		},
	}, m.generate)
}

func (m *MockModel) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			userText = req.Messages[i].Text()
			break
		}
	}

	m.mu.Lock()
	m.calls++
	chunks := m.fallback
	lower := strings.ToLower(userText)
	for i := range m.rules {
		rule := &m.rules[i]
		if !strings.Contains(lower, rule.pattern) {
			continue
		}
		if rule.err != nil && rule.failures != 0 {
			if rule.failures > 0 {
				rule.failures--
			}
			err := rule.err
			m.mu.Unlock()
			return nil, err
		}
		chunks = rule.chunks
		break
	}
	m.mu.Unlock()

	if cb != nil {
		for _, chunk := range chunks {
			if err := cb(ctx, &ai.ModelResponseChunk{
				Content: []*ai.Part{ai.NewTextPart(chunk)},
			}); err != nil {
				m.mu.Lock()
				m.streamAborts++
				m.mu.Unlock()
				return nil, err
			}
		}
	}

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(strings.Join(chunks, ""))},
		},
	}, nil
}

// MockEmbedder produces deterministic embedding vectors. Content hashes
// to a stable unit vector unless an explicit vector is registered.
//
// Thread-safe for concurrent use.
type MockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
	calls   int
}

// NewMockEmbedder creates a mock embedder producing dim-sized vectors.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{vectors: make(map[string][]float32), dim: dim}
}

// SetVector pins the vector returned for exact content, for tests that
// need controlled cosine similarity.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[content] = vec
}

// Calls reports how many embed requests were served.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Register installs the mock under the name "mock/test-embedder".
func (e *MockEmbedder) Register(g *genkit.Genkit) ai.Embedder {
	return genkit.DefineEmbedder(g, "mock/test-embedder", &ai.EmbedderOptions{
		Label:      "Mock Test Embedder",
		Dimensions: e.dim,
	}, e.embed)
}

func (e *MockEmbedder) embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	embeddings := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		var sb strings.Builder
		for _, p := range doc.Content {
			if p.Kind == ai.PartText {
				sb.WriteString(p.Text)
			}
		}
		embeddings[i] = &ai.Embedding{Embedding: e.vectorFor(sb.String())}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

func (e *MockEmbedder) vectorFor(content string) []float32 {
	e.mu.Lock()
	if v, ok := e.vectors[content]; ok {
		e.mu.Unlock()
		return v
	}
	e.mu.Unlock()
	return deterministicVector(content, e.dim)
}

// deterministicVector maps content to a stable unit vector via SHA-256.
func deterministicVector(content string, dim int) []float32 {
	hash := sha256.Sum256([]byte(content))
	vec := make([]float32, dim)

	for i := range vec {
		idx := (i * 4) % len(hash)
		bits := binary.LittleEndian.Uint32([]byte{
			hash[idx%32],
			hash[(idx+1)%32],
			hash[(idx+2)%32],
			hash[(idx+3)%32],
		})
		vec[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
