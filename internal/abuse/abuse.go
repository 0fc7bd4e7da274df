// Package abuse screens inbound text for spam and abusive content.
package abuse

import (
	"context"
	"strings"
	"unicode"
)

// Action is the suggested handling for screened text.
type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// Verdict is the outcome of a screening.
type Verdict struct {
	Action  Action   `json:"action"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Screener classifies text given the recent conversation history.
type Screener interface {
	Screen(ctx context.Context, text string, history []string) (Verdict, error)
}

// Thresholds for the heuristic screener.
const (
	BlockScore = 0.8
	FlagScore  = 0.5
)

var defaultBlocklist = []string{
	"buy followers",
	"free crypto",
	"click here to claim",
	"wire transfer now",
	"casino bonus",
}

// Heuristic scores repetition, link density, blocklisted phrases and
// shouting. Each signal contributes independently; the score is capped at 1.
type Heuristic struct {
	Blocklist []string
}

// NewHeuristic returns a screener with the stock blocklist.
func NewHeuristic() *Heuristic {
	return &Heuristic{Blocklist: defaultBlocklist}
}

func (h *Heuristic) Screen(ctx context.Context, text string, history []string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	var score float64
	var reasons []string
	add := func(s float64, reason string) {
		score += s
		reasons = append(reasons, reason)
	}

	lower := strings.ToLower(text)
	for _, phrase := range h.Blocklist {
		if strings.Contains(lower, phrase) {
			add(0.8, "blocklisted phrase")
			break
		}
	}
	if longestRun(text) >= 30 {
		add(0.4, "character repetition")
	}
	if d := linkDensity(lower); d > 0.3 {
		add(0.5, "link density")
	}
	if shouting(text) {
		add(0.3, "shouting")
	}
	if repeatsHistory(text, history) {
		add(0.4, "repeated message")
	}

	if score > 1 {
		score = 1
	}
	v := Verdict{Action: ActionAllow, Score: score, Reasons: reasons}
	switch {
	case score >= BlockScore:
		v.Action = ActionBlock
	case score >= FlagScore:
		v.Action = ActionFlag
	}
	return v, nil
}

func longestRun(s string) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
		}
		prev = r
		if run > best {
			best = run
		}
	}
	return best
}

func linkDensity(lower string) float64 {
	words := strings.Fields(lower)
	if len(words) < 3 {
		return 0
	}
	links := 0
	for _, w := range words {
		if strings.HasPrefix(w, "http://") || strings.HasPrefix(w, "https://") || strings.HasPrefix(w, "www.") {
			links++
		}
	}
	return float64(links) / float64(len(words))
}

func shouting(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 20 && float64(upper)/float64(letters) > 0.8
}

// repeatsHistory reports whether text was sent at least twice already.
func repeatsHistory(text string, history []string) bool {
	norm := strings.TrimSpace(strings.ToLower(text))
	seen := 0
	for _, h := range history {
		if strings.TrimSpace(strings.ToLower(h)) == norm {
			seen++
		}
	}
	return seen >= 2
}
