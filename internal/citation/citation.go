// Package citation extracts bracketed citation markers from synthesized
// answers and maps them back to the passages they reference.
//
// The model is instructed to cite sources as [1], [2], ... where the
// number is the 1-based position of the passage in the prompt. A marker
// pointing outside that range is a synthesis defect and is surfaced as a
// MappingError rather than silently dropped.
package citation

import (
	"fmt"

	"github.com/citolabs/cito/internal/retrieval"
)

// ExcerptLimit caps the excerpt carried on a citation, in runes.
const ExcerptLimit = 200

// Citation links one marker in the answer text to its source passage.
type Citation struct {
	// Marker is the 1-based number appearing in the answer, e.g. 2 for [2].
	Marker int `json:"marker"`

	DocumentID     string `json:"document_id"`
	DocumentName   string `json:"document_name"`
	CollectionID   string `json:"collection_id"`
	CollectionName string `json:"collection_name"`

	// Excerpt is the beginning of the cited passage, truncated to
	// ExcerptLimit runes.
	Excerpt string `json:"excerpt"`

	Page      *int   `json:"page,omitempty"`
	Section   string `json:"section,omitempty"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`

	Relevance float64 `json:"relevance"`
}

// MappingError reports a citation marker that does not correspond to any
// passage supplied to synthesis.
type MappingError struct {
	Marker       int
	PassageCount int
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("citation marker [%d] out of range: %d passages available", e.Marker, e.PassageCount)
}

// FromPassage builds the citation for a marker resolved against its
// source passage.
func FromPassage(marker int, p retrieval.Passage) Citation {
	return Citation{
		Marker:         marker,
		DocumentID:     p.DocumentID,
		DocumentName:   p.DocumentName,
		CollectionID:   p.CollectionID,
		CollectionName: p.CollectionName,
		Excerpt:        excerpt(p.Text),
		Page:           p.Page,
		Section:        p.Section,
		CharStart:      p.CharStart,
		CharEnd:        p.CharEnd,
		Relevance:      p.Relevance,
	}
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= ExcerptLimit {
		return text
	}
	return string(runes[:ExcerptLimit]) + "..."
}

// Extract scans complete answer text and returns its citations in order
// of first appearance. A marker outside the passage range aborts with a
// MappingError.
func Extract(text string, passages []retrieval.Passage) ([]Citation, error) {
	scanner := NewScanner(passages)
	if _, err := scanner.Feed(text); err != nil {
		return nil, err
	}
	return scanner.Citations(), nil
}
