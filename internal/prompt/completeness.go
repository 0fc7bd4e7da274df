package prompt

import (
	"strings"
	"unicode"

	"chatcore/internal/gate"
	"chatcore/internal/intent"
)

// Completeness is the result of the context check that picks between the
// clarify and proceed blocks.
type Completeness struct {
	Sufficient bool     `json:"sufficient"`
	Missing    []string `json:"missing,omitempty"`
}

// Score is 1 when nothing is missing and drops by a third per gap.
func (c Completeness) Score() float64 {
	s := 1 - float64(len(c.Missing))/3
	if s < 0 {
		return 0
	}
	return s
}

var deictic = map[string]bool{
	"this": true, "that": true, "it": true, "above": true, "these": true,
	"those": true, "esto": true, "eso": true,
}

var fileTypeWords = []string{"csv", "json", "txt", "text", "markdown", "md", "html", "table", "spreadsheet"}

// CheckCompleteness reports which pieces of context the turn lacks for its
// intent. Short turns that point at something ("fix this") without prior
// history or attachments are insufficient.
func CheckCompleteness(turn gate.Turn, in intent.Result) Completeness {
	text := strings.ToLower(turn.Latest())
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	hasContext := len(turn.History()) > 0 || len(turn.Attachments) > 0

	var missing []string
	if !hasContext && len(words) <= 6 {
		for _, w := range words {
			if deictic[w] {
				missing = append(missing, "referenced content")
				break
			}
		}
	}
	if in.IsCode && !strings.Contains(text, "```") && len(turn.Attachments) == 0 && !hasCodeShape(text) {
		if strings.Contains(text, "my code") || strings.Contains(text, "this code") || strings.Contains(text, "the error") {
			missing = append(missing, "code snippet")
		}
	}
	if in.IsMath && !strings.ContainsAny(text, "0123456789") {
		missing = append(missing, "numbers to work with")
	}
	if in.IsFile && !containsAny(text, fileTypeWords) {
		missing = append(missing, "file type")
	}
	return Completeness{Sufficient: len(missing) == 0, Missing: missing}
}

func hasCodeShape(text string) bool {
	return strings.Contains(text, "func ") || strings.Contains(text, "def ") ||
		strings.Contains(text, "{") || strings.Contains(text, ";")
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
