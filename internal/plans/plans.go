// Package plans resolves a user to their plan tier and its limits.
package plans

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"chatcore/internal/config"
)

// Plan is the resolved set of limits for one tier.
type Plan struct {
	Tier             string
	AllowedModels    []string
	DefaultModel     string
	DailyCostLimit   float64
	MonthlyCostLimit float64
	RateLimit        int
	Capabilities     []string
	BasePrompt       string
	FileGeneration   FileGeneration
}

// FileGeneration gates the file response for a plan.
type FileGeneration struct {
	Enabled  bool
	Types    []string
	MaxBytes int
}

// AllowsModel reports whether model may be used. An empty model always
// passes, and an empty allow-list allows everything.
func (p Plan) AllowsModel(model string) bool {
	if model == "" || len(p.AllowedModels) == 0 {
		return true
	}
	return slices.Contains(p.AllowedModels, model)
}

// AllowsCapability reports whether capability id is enabled for the plan.
func (p Plan) AllowsCapability(id string) bool {
	return len(p.Capabilities) == 0 || slices.Contains(p.Capabilities, id)
}

// AllowsFileType reports whether files of type ext may be generated.
func (p Plan) AllowsFileType(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	return slices.Contains(p.FileGeneration.Types, ext)
}

// ResolveModel returns the requested model, or the plan default when empty.
func (p Plan) ResolveModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	if p.DefaultModel != "" {
		return p.DefaultModel
	}
	return fallback
}

// Resolver maps user ids to plans.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Plan, error)
}

type table struct {
	defaultTier string
	tiers       map[string]Plan
	users       map[string]string
}

// Static is a Resolver built from configuration. Update swaps the whole
// table atomically, so readers never see a half-applied reload.
type Static struct {
	current atomic.Pointer[table]
}

// FromConfig builds a Static resolver.
func FromConfig(cfg config.PlansConfig) *Static {
	s := &Static{}
	s.Update(cfg)
	return s
}

// Update replaces the plan table.
func (s *Static) Update(cfg config.PlansConfig) {
	t := &table{
		defaultTier: cfg.Default,
		tiers:       make(map[string]Plan, len(cfg.Tiers)),
		users:       make(map[string]string, len(cfg.Users)),
	}
	for name, pc := range cfg.Tiers {
		t.tiers[name] = Plan{
			Tier:             name,
			AllowedModels:    slices.Clone(pc.AllowedModels),
			DefaultModel:     pc.DefaultModel,
			DailyCostLimit:   pc.DailyCostLimit,
			MonthlyCostLimit: pc.MonthlyCostLimit,
			RateLimit:        pc.RateLimit,
			Capabilities:     slices.Clone(pc.Capabilities),
			BasePrompt:       pc.BasePrompt,
			FileGeneration: FileGeneration{
				Enabled:  pc.FileGeneration.Enabled,
				Types:    slices.Clone(pc.FileGeneration.Types),
				MaxBytes: pc.FileGeneration.MaxBytes,
			},
		}
	}
	for user, tier := range cfg.Users {
		t.users[user] = tier
	}
	s.current.Store(t)
}

// Resolve returns the user's plan, or the default tier for unknown users.
// If even the default tier is missing, an unrestricted zero plan is
// returned.
func (s *Static) Resolve(_ context.Context, userID string) (Plan, error) {
	t := s.current.Load()
	if t == nil {
		return Plan{}, nil
	}
	if tier, ok := t.users[userID]; ok {
		if p, ok := t.tiers[tier]; ok {
			return p, nil
		}
	}
	return t.tiers[t.defaultTier], nil
}

// Tiers lists the configured tier names in sorted order.
func (s *Static) Tiers() []string {
	t := s.current.Load()
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.tiers))
	for name := range t.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
