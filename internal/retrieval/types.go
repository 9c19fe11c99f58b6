// Package retrieval implements the search side of the engine: fanning a
// query embedding out across permitted collections and merging the scored
// passages into one globally ranked list.
package retrieval

import "time"

// Passage is a retrievable unit of source content. Passages are produced
// by the ingestion pipeline and are read-only to the engine.
type Passage struct {
	// DocumentID identifies the source document.
	DocumentID string `json:"document_id"`

	// DocumentName is the source document's display name.
	DocumentName string `json:"document_name"`

	// CollectionID identifies the owning collection.
	CollectionID string `json:"collection_id"`

	// CollectionName is the owning collection's display name, annotated
	// during fan-out.
	CollectionName string `json:"collection_name"`

	// Text is the raw passage content.
	Text string `json:"text"`

	// Page is the page number within the source document, if known.
	Page *int `json:"page,omitempty"`

	// Section is the section header the passage falls under, if known.
	Section string `json:"section,omitempty"`

	// CharStart and CharEnd are character offsets within the source
	// document, used by clients for highlighting.
	CharStart int `json:"char_start"`
	CharEnd   int `json:"char_end"`

	// Relevance is the collection-local relevance score in [0,1].
	Relevance float64 `json:"relevance"`

	// Recency is the collection-declared recency used as a merge
	// tie-breaker. Zero when the collection does not declare one.
	Recency time.Time `json:"-"`
}

// Collection identifies a searchable collection together with its
// display name.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
