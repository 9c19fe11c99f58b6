// Package embedding turns query text into vectors and caches the
// results. Embedding the same query twice should cost one provider call.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// ErrEmptyText is returned when asked to embed an empty or
// whitespace-only string.
var ErrEmptyText = errors.New("embedding: text is empty")

// Gateway produces an embedding vector for a piece of text.
type Gateway interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Genkit adapts a genkit ai.Embedder to the Gateway interface.
type Genkit struct {
	embedder ai.Embedder
}

// NewGenkit wraps a configured embedder.
func NewGenkit(embedder ai.Embedder) *Genkit {
	return &Genkit{embedder: embedder}
}

// Embed generates the embedding for text via the underlying provider.
func (g *Genkit) Embed(ctx context.Context, text string) ([]float32, error) {
	if Normalize(text) == "" {
		return nil, ErrEmptyText
	}

	resp, err := g.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, errors.New("embedding: provider returned no embeddings")
	}
	return resp.Embeddings[0].Embedding, nil
}
