package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citolabs/cito/internal/retrieval"
)

func passagesWithRelevance(scores ...float64) []retrieval.Passage {
	out := make([]retrieval.Passage, len(scores))
	for i, s := range scores {
		out[i] = retrieval.Passage{Text: "vacation policy accrual details", Relevance: s}
	}
	return out
}

func TestScore_NoPassagesIsZero(t *testing.T) {
	scorer := NewScorer()

	assert.Equal(t, 0.0, scorer.Score("anything", nil))
}

func TestScore_WithinUnitInterval(t *testing.T) {
	scorer := NewScorer(WithSimilarity(func(string, []retrieval.Passage) float64 {
		return 5.0 // misbehaving estimator
	}))

	got := scorer.Score("answer", passagesWithRelevance(1, 1, 1))

	assert.LessOrEqual(t, got, 1.0)
	assert.GreaterOrEqual(t, got, 0.0)
}

func TestScore_MonotoneInRelevance(t *testing.T) {
	scorer := NewScorer(WithSimilarity(func(string, []retrieval.Passage) float64 { return 0.5 }))

	low := scorer.Score("a", passagesWithRelevance(0.2, 0.2, 0.2))
	high := scorer.Score("a", passagesWithRelevance(0.9, 0.9, 0.9))

	assert.Greater(t, high, low)
}

func TestScore_MonotoneInCoverageUpToTarget(t *testing.T) {
	scorer := NewScorer(WithSimilarity(func(string, []retrieval.Passage) float64 { return 0.5 }))

	one := scorer.Score("a", passagesWithRelevance(0.8))
	two := scorer.Score("a", passagesWithRelevance(0.8, 0.8))
	three := scorer.Score("a", passagesWithRelevance(0.8, 0.8, 0.8))
	five := scorer.Score("a", passagesWithRelevance(0.8, 0.8, 0.8, 0.8, 0.8))

	assert.Greater(t, two, one)
	assert.Greater(t, three, two)
	assert.InDelta(t, three, five, 1e-9, "coverage saturates at the target count")
}

func TestScore_PerfectEvidenceScoresOne(t *testing.T) {
	scorer := NewScorer(WithSimilarity(func(string, []retrieval.Passage) float64 { return 1 }))

	got := scorer.Score("a", passagesWithRelevance(1, 1, 1))

	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestScore_DefaultProxyFormula(t *testing.T) {
	scorer := NewScorer()

	// 0.4*avg + 0.3*coverage + 0.3*avg with avg=0.8 and saturated
	// coverage: 0.32 + 0.3 + 0.24.
	got := scorer.Score("a", passagesWithRelevance(0.8, 0.8, 0.8))

	assert.InDelta(t, 0.86, got, 1e-9)
}

func TestRelevanceProxy_AveragesRelevance(t *testing.T) {
	assert.InDelta(t, 0.6, RelevanceProxy("a", passagesWithRelevance(0.4, 0.8)), 1e-9)
	assert.Equal(t, 0.0, RelevanceProxy("a", nil))
}

func TestLexicalOverlap_FullSupport(t *testing.T) {
	passages := []retrieval.Passage{{Text: "Employees accrue fifteen vacation days annually."}}

	got := LexicalOverlap("Employees accrue fifteen vacation days", passages)

	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestLexicalOverlap_NoSupport(t *testing.T) {
	passages := []retrieval.Passage{{Text: "Quarterly revenue grew eight percent."}}

	got := LexicalOverlap("Penguins migrate northward during winter", passages)

	assert.Equal(t, 0.0, got)
}

func TestLexicalOverlap_EmptyAnswer(t *testing.T) {
	assert.Equal(t, 0.0, LexicalOverlap("", passagesWithRelevance(0.5)))
	assert.Equal(t, 0.0, LexicalOverlap("a an to", passagesWithRelevance(0.5)))
}
