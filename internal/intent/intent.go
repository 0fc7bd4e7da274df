// Package intent labels a turn with a cheap keyword-overlap classifier.
package intent

import (
	"strings"
	"unicode"
)

// Label is an intent category.
type Label string

const (
	Math    Label = "math"
	Task    Label = "task"
	Code    Label = "code"
	File    Label = "file"
	General Label = "general"
)

// priority breaks ties between equal scores.
var priority = []Label{Math, Task, Code, File}

// maxScanRunes bounds the text examined.
const maxScanRunes = 4096

var keywords = map[Label][]string{
	Math: {
		"calculate", "compute", "solve", "equation", "integral", "derivative",
		"sum", "multiply", "divide", "percent", "percentage", "algebra",
		"math", "average", "square root", "calcular", "resolver", "ecuación",
	},
	Task: {
		"todo", "to-do", "remind", "reminder", "task", "tasks", "deadline",
		"schedule", "checklist", "plan my", "action items", "tarea", "recordar",
	},
	Code: {
		"code", "function", "debug", "bug", "compile", "error", "stack trace",
		"golang", "python", "javascript", "refactor", "snippet", "program",
		"script", "exception", "código",
	},
	File: {
		"file", "csv", "json file", "export", "download", "spreadsheet",
		"generate a file", "create a file", "document", "report", "archivo",
	},
}

// Result is the classification of one text.
type Result struct {
	Primary    Label         `json:"primary"`
	Labels     []Label       `json:"labels"`
	IsMath     bool          `json:"is_math"`
	IsTask     bool          `json:"is_task"`
	IsCode     bool          `json:"is_code"`
	IsFile     bool          `json:"is_file"`
	Confidence float64       `json:"confidence"`
	Scores     map[Label]int `json:"scores"`
}

// Has reports whether l is among the matched labels.
func (r Result) Has(l Label) bool {
	for _, x := range r.Labels {
		if x == l {
			return true
		}
	}
	return false
}

// Classifier scores text against the keyword lists.
type Classifier struct{}

// NewClassifier returns the default classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify labels text. It is pure and deterministic.
func (c *Classifier) Classify(text string) Result {
	return Classify(text)
}

// Classify labels text with the default keyword lists.
func Classify(text string) Result {
	scanned := bound(text)
	lower := strings.ToLower(scanned)
	words := tokenize(lower)

	scores := make(map[Label]int, len(priority))
	for _, label := range priority {
		scores[label] = countMatches(lower, words, keywords[label])
	}
	if strings.Contains(scanned, "```") {
		scores[Code]++
	}
	if hasArithmetic(scanned) {
		scores[Math]++
	}

	r := Result{Scores: scores, Primary: General, Confidence: 0.1}
	best := 0
	for _, label := range priority {
		s := scores[label]
		if s > 0 {
			r.Labels = append(r.Labels, label)
		}
		if s > best {
			best = s
			r.Primary = label
		}
	}
	r.IsMath = scores[Math] > 0
	r.IsTask = scores[Task] > 0
	r.IsCode = scores[Code] > 0
	r.IsFile = scores[File] > 0
	if best > 0 {
		r.Confidence = min(1, float64(best)/3)
	} else {
		r.Labels = []Label{General}
	}
	return r
}

func bound(text string) string {
	n := 0
	for i := range text {
		if n == maxScanRunes {
			return text[:i]
		}
		n++
	}
	return text
}

func tokenize(lower string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		words[w] = true
	}
	return words
}

// countMatches counts keywords present in the text. Single words must
// match a whole token; phrases match as substrings.
func countMatches(lower string, words map[string]bool, list []string) int {
	n := 0
	for _, kw := range list {
		if strings.ContainsRune(kw, ' ') {
			if strings.Contains(lower, kw) {
				n++
			}
			continue
		}
		if words[kw] {
			n++
		}
	}
	return n
}

// hasArithmetic detects a bare expression like "12 * (3 + 4)".
func hasArithmetic(s string) bool {
	digits, ops := 0, 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune("+*/^=×÷", r):
			ops++
		}
	}
	return digits >= 2 && ops >= 1
}
