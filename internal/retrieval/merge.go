package retrieval

import "sort"

// DefaultTopK is the global result cap applied after merging.
const DefaultTopK = 10

// Merge ranks passages from all collections into one list ordered by
// relevance descending and truncated to topK. Ties on relevance are
// broken by recency (more recent first) when both passages declare one;
// otherwise the incoming order is preserved.
//
// Collection-local scores are compared directly. No cross-collection
// score normalization is applied, so a collection whose scorer runs hot
// will dominate mixed result sets.
//
// Passages are never deduplicated: the same document appearing in two
// collections yields two entries.
func Merge(passages []Passage, topK int) []Passage {
	if topK <= 0 {
		topK = DefaultTopK
	}

	merged := make([]Passage, len(passages))
	copy(merged, passages)

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Relevance != merged[j].Relevance {
			return merged[i].Relevance > merged[j].Relevance
		}
		if !merged[i].Recency.IsZero() && !merged[j].Recency.IsZero() {
			return merged[i].Recency.After(merged[j].Recency)
		}
		return false
	})

	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}
