// Package capability ranks registered tools and plugins against a turn and
// runs the relevant ones concurrently, isolating failures per capability.
//
// Architecture:
//
//	Registry.ForPlan → Ranker.Rank → threshold → Dispatcher (errgroup + semaphore) → Report
package capability

import (
	"context"
	"sync/atomic"

	"chatcore/internal/intent"
)

// Kind distinguishes lightweight tools from richer plugins.
type Kind string

const (
	KindTool   Kind = "tool"
	KindPlugin Kind = "plugin"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema declares the parameters a capability accepts.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// Params are synthesized invocation parameters.
type Params map[string]any

// String returns the named parameter as a string, or "".
func (p Params) String(name string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return ""
}

// Output is what a handler produced.
type Output struct {
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
	// Declined means the handler judged itself inapplicable; the dispatcher
	// records the invocation as failed.
	Declined bool   `json:"declined,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Handler executes a capability.
type Handler func(ctx context.Context, params Params) (Output, error)

// SuggestFunc derives parameters from the turn for the keyword ranker.
type SuggestFunc func(text string, in intent.Result) Params

// Descriptor is a registry entry. Only its statistics mutate after
// registration.
type Descriptor struct {
	ID          string
	Description string
	Kind        Kind
	Schema      Schema
	Handler     Handler
	Enabled     bool
	// Triggers are lowercase substrings that suggest relevance.
	Triggers []string
	// Intents the capability serves.
	Intents []intent.Label
	Suggest SuggestFunc

	uses      atomic.Int64
	successes atomic.Int64
}

// Validate checks that the descriptor can be registered.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return ErrIDEmpty
	}
	if d.Handler == nil {
		return ErrHandlerNil
	}
	if d.Kind != KindTool && d.Kind != KindPlugin {
		return ErrInvalidKind
	}
	return nil
}

// Uses is how many times the capability was invoked.
func (d *Descriptor) Uses() int64 { return d.uses.Load() }

// Successes is how many invocations succeeded.
func (d *Descriptor) Successes() int64 { return d.successes.Load() }

// SuccessRate is successes over uses, or 0 before the first use.
func (d *Descriptor) SuccessRate() float64 {
	uses := d.uses.Load()
	if uses == 0 {
		return 0
	}
	return float64(d.successes.Load()) / float64(uses)
}

func (d *Descriptor) record(success bool) {
	d.uses.Add(1)
	if success {
		d.successes.Add(1)
	}
}

// Stats is a snapshot of one descriptor's counters.
type Stats struct {
	ID          string  `json:"id"`
	Uses        int64   `json:"uses"`
	Successes   int64   `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}
