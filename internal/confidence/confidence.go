// Package confidence computes a composite confidence score for a
// synthesized answer from the evidence that produced it.
package confidence

import (
	"strings"
	"unicode"

	"github.com/citolabs/cito/internal/retrieval"
)

// Component weights. They sum to 1 so a perfect answer scores 1.0.
const (
	relevanceWeight  = 0.4
	coverageWeight   = 0.3
	similarityWeight = 0.3

	// coverageTarget is the passage count at which the coverage
	// component saturates.
	coverageTarget = 3
)

// SimilarityFunc estimates how well the answer is supported by the
// passages, in [0,1]. The default is RelevanceProxy; callers with a true
// query/answer embedding similarity can swap it in via WithSimilarity.
type SimilarityFunc func(answer string, passages []retrieval.Passage) float64

// Scorer computes composite confidence scores.
type Scorer struct {
	similarity SimilarityFunc
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithSimilarity replaces the answer-support estimator.
func WithSimilarity(fn SimilarityFunc) Option {
	return func(s *Scorer) {
		if fn != nil {
			s.similarity = fn
		}
	}
}

// NewScorer creates a Scorer with RelevanceProxy as the similarity term.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{similarity: RelevanceProxy}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score combines average passage relevance, passage coverage and answer
// support into one value clamped to [0,1]. No passages means no evidence
// and always scores 0.
func (s *Scorer) Score(answer string, passages []retrieval.Passage) float64 {
	if len(passages) == 0 {
		return 0
	}

	var sum float64
	for _, p := range passages {
		sum += p.Relevance
	}
	avgRelevance := sum / float64(len(passages))

	coverage := float64(len(passages)) / coverageTarget
	if coverage > 1 {
		coverage = 1
	}

	score := relevanceWeight*avgRelevance +
		coverageWeight*coverage +
		similarityWeight*s.similarity(answer, passages)

	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RelevanceProxy is the default similarity term: average passage
// relevance stands in for true query/answer embedding similarity, which
// would cost another model call per query.
func RelevanceProxy(answer string, passages []retrieval.Passage) float64 {
	if len(passages) == 0 {
		return 0
	}
	var sum float64
	for _, p := range passages {
		sum += p.Relevance
	}
	return sum / float64(len(passages))
}

// LexicalOverlap is an alternative answer-support estimator: the fraction
// of distinct answer terms (length >= 4, to skip function words) that
// appear in at least one passage. Crude, but monotone in how much of the
// answer is traceable to the sources, and requires no model call.
func LexicalOverlap(answer string, passages []retrieval.Passage) float64 {
	terms := contentTerms(answer)
	if len(terms) == 0 {
		return 0
	}

	var corpus strings.Builder
	for _, p := range passages {
		corpus.WriteString(strings.ToLower(p.Text))
		corpus.WriteByte(' ')
	}
	haystack := corpus.String()

	matched := 0
	for term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func contentTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(word) >= 4 {
			terms[word] = struct{}{}
		}
	}
	return terms
}
