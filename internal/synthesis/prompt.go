package synthesis

import (
	"fmt"
	"strings"

	"github.com/citolabs/cito/internal/retrieval"
)

// NoInformationAnswer is the exact phrase the model is instructed to use
// when the sources do not contain the answer. Clients key off it to
// render an empty-result state instead of an answer card.
const NoInformationAnswer = "I could not find information about this in the available sources."

// systemPrompt constrains the model to grounded, cited answers.
var systemPrompt = strings.TrimSpace(fmt.Sprintf(`
You are a research assistant answering questions from a private knowledge base.

Rules:
1. Answer ONLY from the numbered sources provided. Never use outside knowledge.
2. Cite every claim with the source number in square brackets, e.g. [1] or [2].
3. Citation numbers must refer to the provided sources. Never invent numbers.
4. If the sources do not contain the answer, reply with exactly: %q
5. Be concise and direct.
`, NoInformationAnswer))

// SystemPrompt returns the system instructions for synthesis.
func SystemPrompt() string {
	return systemPrompt
}

// BuildPrompt renders the user prompt: the numbered source block
// followed by the question. Source numbering is 1-based and matches the
// citation markers the model is expected to emit.
func BuildPrompt(query string, passages []retrieval.Passage) string {
	var sb strings.Builder

	sb.WriteString("Sources:\n\n")
	for i, p := range passages {
		sb.WriteString(fmt.Sprintf("[%d] %s", i+1, p.DocumentName))
		var attrs []string
		if p.CollectionName != "" {
			attrs = append(attrs, "collection: "+p.CollectionName)
		}
		if p.Page != nil {
			attrs = append(attrs, fmt.Sprintf("page %d", *p.Page))
		}
		if p.Section != "" {
			attrs = append(attrs, "section: "+p.Section)
		}
		if len(attrs) > 0 {
			sb.WriteString(" (" + strings.Join(attrs, ", ") + ")")
		}
		sb.WriteString("\n")
		sb.WriteString(p.Text)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Question: ")
	sb.WriteString(query)
	return sb.String()
}
