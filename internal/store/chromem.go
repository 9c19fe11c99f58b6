package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/citolabs/cito/internal/retrieval"
)

// Chromem is an embedded, in-process searcher backed by chromem-go.
// Used for local single-binary deployments and tests, where running
// Postgres would be overkill.
//
// Safe for concurrent use.
type Chromem struct {
	db *chromem.DB
}

// NewChromem creates an empty in-memory store.
func NewChromem() *Chromem {
	return &Chromem{db: chromem.NewDB()}
}

// externalOnly rejects implicit embedding: all vectors are produced by
// the embedding gateway, never by the store.
func externalOnly(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("store computes no embeddings, supply them explicitly")
}

// AddCollection creates a collection if it does not exist.
func (c *Chromem) AddCollection(name string) error {
	_, err := c.db.GetOrCreateCollection(name, nil, externalOnly)
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", name, err)
	}
	return nil
}

// AddPassage stores one embedded passage in a collection, creating the
// collection as needed.
func (c *Chromem) AddPassage(ctx context.Context, collectionID string, pass retrieval.Passage, vector []float32) error {
	col, err := c.db.GetOrCreateCollection(collectionID, nil, externalOnly)
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", collectionID, err)
	}

	meta := map[string]string{
		"document_id":   pass.DocumentID,
		"document_name": pass.DocumentName,
		"section":       pass.Section,
		"char_start":    strconv.Itoa(pass.CharStart),
		"char_end":      strconv.Itoa(pass.CharEnd),
	}
	if pass.Page != nil {
		meta["page"] = strconv.Itoa(*pass.Page)
	}
	if !pass.Recency.IsZero() {
		meta["recency"] = pass.Recency.Format(time.RFC3339)
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        pass.DocumentID + ":" + strconv.Itoa(pass.CharStart),
		Metadata:  meta,
		Embedding: vector,
		Content:   pass.Text,
	})
	if err != nil {
		return fmt.Errorf("adding passage for document %q: %w", pass.DocumentID, err)
	}
	return nil
}

// Search implements retrieval.Searcher. Relevance is chromem's cosine
// similarity.
func (c *Chromem) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]retrieval.Passage, error) {
	col := c.db.GetCollection(collectionID, externalOnly)
	if col == nil {
		return nil, fmt.Errorf("collection %q not found", collectionID)
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %q: %w", collectionID, err)
	}

	passages := make([]retrieval.Passage, 0, len(results))
	for _, res := range results {
		passages = append(passages, passageFromResult(res))
	}
	return passages, nil
}

func passageFromResult(res chromem.Result) retrieval.Passage {
	pass := retrieval.Passage{
		DocumentID:   res.Metadata["document_id"],
		DocumentName: res.Metadata["document_name"],
		Section:      res.Metadata["section"],
		Text:         res.Content,
		Relevance:    float64(res.Similarity),
	}
	if v, err := strconv.Atoi(res.Metadata["char_start"]); err == nil {
		pass.CharStart = v
	}
	if v, err := strconv.Atoi(res.Metadata["char_end"]); err == nil {
		pass.CharEnd = v
	}
	if raw, ok := res.Metadata["page"]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			pass.Page = &v
		}
	}
	if raw, ok := res.Metadata["recency"]; ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			pass.Recency = ts
		}
	}
	return pass
}
