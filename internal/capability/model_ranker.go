package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatcore/internal/budget"
	"chatcore/internal/llm"
	"chatcore/internal/logging"
)

const rankerSystemPrompt = `You score which capabilities would help answer the user's message.
Respond with JSON only, in this exact shape:
{"suggestions":[{"id":"<capability id>","confidence":<0..1>,"params":{...}}]}
Only use ids from the list. Omit capabilities that do not apply.`

// Decoded is the tagged result of decoding a ranking reply.
type Decoded struct {
	OK          bool
	Suggestions []Suggestion
	Err         error
}

// ModelRanker asks a model to score candidates. Any failure to obtain or
// decode a reply falls back to Fallback, or to no suggestions.
type ModelRanker struct {
	Client   llm.Client
	Model    string
	Fallback Ranker
}

func (m *ModelRanker) Rank(ctx context.Context, req RankRequest) ([]Suggestion, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: rankerSystemPrompt},
		{Role: llm.RoleUser, Content: rankerPrompt(req)},
	}
	var (
		usage    llm.Usage
		reported bool
	)
	reply, err := llm.Complete(ctx, m.Client, llm.Request{
		Model:       m.Model,
		Temperature: 0,
		MaxTokens:   512,
		Messages:    msgs,
		OnUsage:     func(u llm.Usage) { usage, reported = u, true },
	})
	if req.OnUsage != nil && (reported || reply != "") {
		if !reported {
			for _, msg := range msgs {
				usage.InputTokens += budget.Estimate(msg.Content)
			}
			usage.OutputTokens = budget.Estimate(reply)
		}
		req.OnUsage(m.Model, usage)
	}
	if err != nil {
		logging.CapabilityWarn("model ranking unavailable, using fallback: %v", err)
		return m.fallback(ctx, req)
	}
	d := DecodeSuggestions(reply, req.Candidates)
	if !d.OK {
		logging.CapabilityWarn("model ranking reply rejected, using fallback: %v", d.Err)
		return m.fallback(ctx, req)
	}
	return d.Suggestions, nil
}

func (m *ModelRanker) fallback(ctx context.Context, req RankRequest) ([]Suggestion, error) {
	if m.Fallback == nil {
		return nil, nil
	}
	return m.Fallback.Rank(ctx, req)
}

func rankerPrompt(req RankRequest) string {
	var b strings.Builder
	b.WriteString("Capabilities:\n")
	for _, d := range req.Candidates {
		schema, _ := json.Marshal(d.Schema)
		fmt.Fprintf(&b, "- id=%s kind=%s: %s params=%s\n", d.ID, d.Kind, d.Description, schema)
	}
	fmt.Fprintf(&b, "\nDetected intent: %s (confidence %.2f)\n", req.Intent.Primary, req.Intent.Confidence)
	b.WriteString("\nMessage:\n")
	b.WriteString(req.Text)
	return b.String()
}

type rankReply struct {
	Suggestions []struct {
		ID         string          `json:"id"`
		Confidence *float64        `json:"confidence"`
		Params     json.RawMessage `json:"params"`
	} `json:"suggestions"`
}

var errNoJSON = errors.New("no JSON object in reply")

// DecodeSuggestions validates a ranking reply. The reply must be a JSON
// object with a suggestions array; each entry needs a known id and a
// confidence in [0,1]. Entries for unknown ids are dropped. Params that are
// not an object are kept as nil so the capability still runs and reports
// the missing parameters itself.
func DecodeSuggestions(reply string, candidates []*Descriptor) Decoded {
	raw := extractJSON(reply)
	if raw == "" {
		return Decoded{Err: errNoJSON}
	}
	var parsed rankReply
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Decoded{Err: fmt.Errorf("decode ranking: %w", err)}
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}

	out := make([]Suggestion, 0, len(parsed.Suggestions))
	for i, s := range parsed.Suggestions {
		if s.Confidence == nil || *s.Confidence < 0 || *s.Confidence > 1 {
			return Decoded{Err: fmt.Errorf("suggestion %d: confidence missing or outside [0,1]", i)}
		}
		if !known[s.ID] {
			continue
		}
		var params Params
		if len(s.Params) > 0 {
			if err := json.Unmarshal(s.Params, &params); err != nil {
				params = nil
			}
		}
		out = append(out, Suggestion{ID: s.ID, Confidence: *s.Confidence, Params: params})
	}
	return Decoded{OK: true, Suggestions: out}
}

// extractJSON returns the outermost {...} span, tolerating code fences and
// surrounding prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
