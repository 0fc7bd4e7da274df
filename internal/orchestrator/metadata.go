package orchestrator

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"chatcore/internal/capability"
	"chatcore/internal/intent"
)

// Usage carries the pre-call estimate next to the recorded consumption.
// The two may differ; both are kept for auditing.
type Usage struct {
	EstimatedInput  int     `json:"estimated_input"`
	EstimatedOutput int     `json:"estimated_output"`
	EstimatedCost   float64 `json:"estimated_cost"`
	Input           int     `json:"input"`
	Output          int     `json:"output"`
	Cost            float64 `json:"cost"`
	// Reported is false when Input and Output are estimates because the
	// provider sent no usage.
	Reported bool `json:"reported"`
}

// Quality scores a reply in [0,1].
type Quality struct {
	Completeness float64 `json:"completeness"`
	Relevance    float64 `json:"relevance"`
	Truncated    bool    `json:"truncated"`
}

// Metadata describes a handled turn.
type Metadata struct {
	Mode           string             `json:"mode"`
	Usage          Usage              `json:"usage"`
	Quality        Quality            `json:"quality"`
	Capabilities   capability.Summary `json:"capabilities"`
	Intent         intent.Label       `json:"intent,omitempty"`
	ProcessingTime time.Duration      `json:"processing_time_ns"`
}

// Header encodes v as compact JSON for a response header. Encoding
// failures yield "{}".
func Header(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Relevance is the share of the question's content words that the reply
// mentions. Questions without content words score 1.
func Relevance(question, reply string) float64 {
	words := contentWords(question)
	if len(words) == 0 {
		return 1
	}
	answer := contentWords(reply)
	hit := 0
	for w := range words {
		if answer[w] {
			hit++
		}
	}
	score := float64(hit) / float64(len(words))
	return float64(int(score*100+0.5)) / 100
}

func contentWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 4 {
			out[w] = true
		}
	}
	return out
}
