// Package builtin provides the stock capabilities: an arithmetic solver, a
// task extractor, a Go code runner and an optional web search plugin.
package builtin

import (
	"net/http"
	"time"

	"chatcore/internal/cache"
	"chatcore/internal/capability"
)

// Capability ids.
const (
	MathSolverID    = "math_solver"
	TaskExtractorID = "task_extractor"
	CodeRunnerID    = "code_runner"
	WebSearchID     = "web_search"
)

// Deps are the collaborators the built-ins need.
type Deps struct {
	Cache          cache.Store
	DerivedTTL     time.Duration
	SearchEndpoint string
	HTTPClient     *http.Client
}

// Register adds every built-in to reg. The web search plugin is added only
// when an endpoint is configured.
func Register(reg *capability.Registry, deps Deps) error {
	descs := []*capability.Descriptor{
		MathSolver(deps.Cache, deps.DerivedTTL),
		TaskExtractor(),
		CodeRunner(),
	}
	if deps.SearchEndpoint != "" {
		descs = append(descs, WebSearch(deps.SearchEndpoint, deps.HTTPClient))
	}
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
