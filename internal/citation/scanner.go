package citation

import (
	"sort"
	"strconv"

	"github.com/citolabs/cito/internal/retrieval"
)

// Scanner incrementally extracts citation markers from streamed answer
// text. Markers split across chunk boundaries ("[1" then "2]") are
// handled by buffering the incomplete candidate between Feed calls.
//
// Each distinct marker produces exactly one Citation, emitted by the
// Feed call that completes its first occurrence. Scanner is not safe for
// concurrent use.
type Scanner struct {
	passages []retrieval.Passage
	seen     map[int]bool
	order    []Citation

	// pending holds an unterminated candidate such as "[" or "[12".
	pending []byte
}

// NewScanner creates a Scanner validating markers against the given
// passages: marker n must satisfy 1 <= n <= len(passages).
func NewScanner(passages []retrieval.Passage) *Scanner {
	return &Scanner{
		passages: passages,
		seen:     make(map[int]bool),
	}
}

// Feed consumes the next chunk of answer text and returns citations for
// markers whose first occurrence completed within this chunk, in order
// of appearance. An out-of-range marker returns a MappingError; the
// scanner is unusable afterwards.
func (s *Scanner) Feed(chunk string) ([]Citation, error) {
	var emitted []Citation

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if len(s.pending) == 0 {
			if c == '[' {
				s.pending = append(s.pending, c)
			}
			continue
		}

		switch {
		case c >= '0' && c <= '9':
			s.pending = append(s.pending, c)

		case c == ']' && len(s.pending) > 1:
			// Atoi clamps on overflow, which is still out of range
			// below, so an absurdly long digit run is reported like
			// any other orphan marker rather than ignored.
			marker, _ := strconv.Atoi(string(s.pending[1:]))
			s.pending = s.pending[:0]
			if marker < 1 || marker > len(s.passages) {
				return nil, &MappingError{Marker: marker, PassageCount: len(s.passages)}
			}
			if !s.seen[marker] {
				s.seen[marker] = true
				cit := FromPassage(marker, s.passages[marker-1])
				s.order = append(s.order, cit)
				emitted = append(emitted, cit)
			}

		case c == '[':
			// "[[" or "[12[": restart the candidate at this bracket.
			s.pending = s.pending[:0]
			s.pending = append(s.pending, c)

		default:
			// Not a marker, e.g. "[note]".
			s.pending = s.pending[:0]
		}
	}

	return emitted, nil
}

// Citations returns every citation seen so far, sorted ascending by
// marker. Feed emits in order of first appearance; the final list is
// ordered by marker so it lines up with the numbered passage list.
func (s *Scanner) Citations() []Citation {
	out := make([]Citation, len(s.order))
	copy(out, s.order)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Marker < out[j].Marker
	})
	return out
}
