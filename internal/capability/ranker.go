package capability

import (
	"context"
	"strings"

	"chatcore/internal/intent"
	"chatcore/internal/llm"
)

// UsageFunc receives the tokens of a model call made on a turn's behalf.
type UsageFunc func(model string, u llm.Usage)

// RankRequest is the input to relevance ranking.
type RankRequest struct {
	Text       string
	History    []string
	Intent     intent.Result
	Candidates []*Descriptor
	// OnUsage, if set, is called once per model call a ranker makes.
	OnUsage UsageFunc
}

// Suggestion scores one candidate.
type Suggestion struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Params     Params  `json:"params,omitempty"`
}

// Ranker scores candidates against a turn.
type Ranker interface {
	Rank(ctx context.Context, req RankRequest) ([]Suggestion, error)
}

// Heuristic ranker weights.
const (
	primaryIntentWeight   = 0.5
	secondaryIntentWeight = 0.3
	triggerWeight         = 0.25
)

// HeuristicRanker scores by intent overlap and trigger keywords.
type HeuristicRanker struct{}

func (HeuristicRanker) Rank(ctx context.Context, req RankRequest) ([]Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(req.Text)
	out := make([]Suggestion, 0, len(req.Candidates))
	for _, d := range req.Candidates {
		score := 0.0
		for _, l := range d.Intents {
			if l == req.Intent.Primary {
				score += primaryIntentWeight
			} else if req.Intent.Has(l) {
				score += secondaryIntentWeight
			}
		}
		for _, trig := range d.Triggers {
			if strings.Contains(lower, trig) {
				score += triggerWeight
			}
		}
		if score == 0 {
			continue
		}
		s := Suggestion{ID: d.ID, Confidence: min(1, score)}
		if d.Suggest != nil {
			s.Params = d.Suggest(req.Text, req.Intent)
		}
		out = append(out, s)
	}
	return out, nil
}
