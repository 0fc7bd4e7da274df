package plans

import (
	"context"
	"testing"

	"chatcore/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAssignsTiers(t *testing.T) {
	cfg := config.DefaultConfig().Plans
	cfg.Users = map[string]string{"alice": "pro", "ghost": "missing"}
	s := FromConfig(cfg)
	ctx := context.Background()

	p, err := s.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "pro", p.Tier)

	p, _ = s.Resolve(ctx, "bob")
	assert.Equal(t, "free", p.Tier)

	p, _ = s.Resolve(ctx, "ghost")
	assert.Equal(t, "free", p.Tier, "unknown tier falls back to default")

	assert.Equal(t, []string{"free", "pro"}, s.Tiers())
}

func TestUpdateSwapsTable(t *testing.T) {
	s := FromConfig(config.DefaultConfig().Plans)
	s.Update(config.PlansConfig{
		Default: "solo",
		Tiers:   map[string]config.PlanConfig{"solo": {DailyCostLimit: 1}},
	})
	p, err := s.Resolve(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, "solo", p.Tier)
	assert.Equal(t, 1.0, p.DailyCostLimit)
}

func TestPlanAllowances(t *testing.T) {
	p := Plan{
		AllowedModels:  []string{"gpt-4o-mini"},
		Capabilities:   []string{"math_solver"},
		FileGeneration: FileGeneration{Enabled: true, Types: []string{"csv"}},
	}
	assert.True(t, p.AllowsModel(""))
	assert.True(t, p.AllowsModel("gpt-4o-mini"))
	assert.False(t, p.AllowsModel("gpt-4o"))
	assert.True(t, p.AllowsCapability("math_solver"))
	assert.False(t, p.AllowsCapability("code_runner"))
	assert.True(t, p.AllowsFileType(".CSV"))
	assert.False(t, p.AllowsFileType("html"))

	open := Plan{}
	assert.True(t, open.AllowsModel("anything"))
	assert.True(t, open.AllowsCapability("anything"))

	assert.Equal(t, "x", Plan{DefaultModel: "d"}.ResolveModel("x", "f"))
	assert.Equal(t, "d", Plan{DefaultModel: "d"}.ResolveModel("", "f"))
	assert.Equal(t, "f", Plan{}.ResolveModel("", "f"))
}
