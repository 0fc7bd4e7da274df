package capability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/intent"
	"chatcore/internal/llm"
	"chatcore/internal/plans"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticRanker struct {
	suggestions []Suggestion
	err         error
	calls       atomic.Int64
}

func (s *staticRanker) Rank(context.Context, RankRequest) ([]Suggestion, error) {
	s.calls.Add(1)
	return s.suggestions, s.err
}

func tool(id string, h Handler) *Descriptor {
	return &Descriptor{ID: id, Kind: KindTool, Handler: h, Enabled: true}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	reg := NewRegistry()
	reg.MustRegister(tool("ok", noop))
	reg.MustRegister(tool("boom", func(context.Context, Params) (Output, error) {
		return Output{}, errors.New("boom")
	}))
	reg.MustRegister(tool("panics", func(context.Context, Params) (Output, error) {
		panic("bad handler")
	}))
	reg.MustRegister(tool("stuck", func(context.Context, Params) (Output, error) {
		<-release // ignores ctx
		return Output{Text: "late"}, nil
	}))
	reg.MustRegister(tool("declines", func(context.Context, Params) (Output, error) {
		return Output{Declined: true, Reason: "not applicable"}, nil
	}))
	needs := tool("needs", noop)
	needs.Schema = Schema{Required: []string{"expression"}}
	reg.MustRegister(needs)

	var sugg []Suggestion
	for _, id := range []string{"ok", "boom", "panics", "stuck", "declines", "needs"} {
		sugg = append(sugg, Suggestion{ID: id, Confidence: 0.9})
	}
	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	d := NewDispatcher(reg, &staticRanker{suggestions: sugg}, opts)

	report := d.Dispatch(context.Background(), DispatchRequest{Text: "x"})
	require.Len(t, report.Invocations, 6, "one record per dispatched capability")

	byID := map[string]Invocation{}
	for _, inv := range report.Invocations {
		byID[inv.CapabilityID] = inv
	}
	assert.True(t, byID["ok"].Succeeded())
	assert.Equal(t, "ok", byID["ok"].Output.Text)
	assert.ErrorContains(t, byID["boom"].Err, "boom")
	assert.ErrorIs(t, byID["panics"].Err, ErrPanic)
	assert.ErrorIs(t, byID["stuck"].Err, ErrTimeout)
	assert.True(t, apperr.Is(byID["stuck"].Err, apperr.KindCapabilityExecution, apperr.CodeCapabilityTimeout))
	assert.ErrorIs(t, byID["declines"].Err, ErrDeclined)
	assert.ErrorIs(t, byID["needs"].Err, ErrMissingParam)

	for id, inv := range byID {
		if id != "boom" && inv.Err != nil {
			assert.NotContains(t, inv.Err.Error(), "boom", "error leaked into %s", id)
		}
	}

	assert.Len(t, report.Succeeded(), 1)
	assert.Len(t, report.Failed(), 5)
	s := report.Summary()
	assert.Equal(t, 6, s.Dispatched)
	assert.Equal(t, []string{"ok"}, s.Succeeded)

	assert.Equal(t, int64(1), reg.Get("boom").Uses())
	assert.Equal(t, 0.0, reg.Get("boom").SuccessRate())
	assert.Equal(t, 1.0, reg.Get("ok").SuccessRate())
}

func TestDispatchThresholdsAndOrder(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(tool("first", noop))
	reg.MustRegister(tool("second", noop))
	reg.MustRegister(tool("weak", noop))
	reg.MustRegister(tool("best", noop))
	reg.MustRegister(&Descriptor{ID: "plugin", Kind: KindPlugin, Handler: noop, Enabled: true})
	reg.MustRegister(&Descriptor{ID: "faint", Kind: KindPlugin, Handler: noop, Enabled: true})

	ranker := &staticRanker{suggestions: []Suggestion{
		{ID: "second", Confidence: 0.6},
		{ID: "first", Confidence: 0.6},
		{ID: "weak", Confidence: 0.49},
		{ID: "best", Confidence: 0.95},
		{ID: "plugin", Confidence: 0.35},
		{ID: "faint", Confidence: 0.1},
	}}
	d := NewDispatcher(reg, ranker, DefaultOptions())

	report := d.Dispatch(context.Background(), DispatchRequest{})
	var got []string
	for _, inv := range report.Invocations {
		got = append(got, inv.CapabilityID)
	}
	// tools below 0.5 drop; equal confidence keeps registry order
	assert.Equal(t, []string{"best", "first", "second", "plugin"}, got)

	report = d.Dispatch(context.Background(), DispatchRequest{DiscoverPlugins: true})
	assert.Len(t, report.Invocations, 5)
}

func TestDispatchRespectsPlan(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(tool("math_solver", noop))
	reg.MustRegister(tool("code_runner", noop))
	ranker := &staticRanker{suggestions: []Suggestion{{ID: "math_solver", Confidence: 1}, {ID: "code_runner", Confidence: 1}}}
	d := NewDispatcher(reg, ranker, DefaultOptions())

	report := d.Dispatch(context.Background(), DispatchRequest{Plan: plans.Plan{Capabilities: []string{"math_solver"}}})
	require.Len(t, report.Invocations, 1)
	assert.Equal(t, "math_solver", report.Invocations[0].CapabilityID)
	assert.Equal(t, 1, report.Considered)
}

func TestDispatchNoCandidatesSkipsRanking(t *testing.T) {
	ranker := &staticRanker{}
	d := NewDispatcher(NewRegistry(), ranker, DefaultOptions())
	report := d.Dispatch(context.Background(), DispatchRequest{})
	assert.Empty(t, report.Invocations)
	assert.Zero(t, ranker.calls.Load())
}

func TestDispatchRankerErrorDispatchesNothing(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(tool("ok", noop))
	d := NewDispatcher(reg, &staticRanker{err: errors.New("down")}, DefaultOptions())
	assert.Empty(t, d.Dispatch(context.Background(), DispatchRequest{}).Invocations)
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int64
	h := func(context.Context, Params) (Output, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return Output{}, nil
	}
	reg := NewRegistry()
	var sugg []Suggestion
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		reg.MustRegister(tool(id, h))
		sugg = append(sugg, Suggestion{ID: id, Confidence: 1})
	}
	opts := DefaultOptions()
	opts.MaxConcurrency = 2
	d := NewDispatcher(reg, &staticRanker{suggestions: sugg}, opts)

	report := d.Dispatch(context.Background(), DispatchRequest{})
	assert.Len(t, report.Succeeded(), 6)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestHeuristicRanker(t *testing.T) {
	code := &Descriptor{ID: "code_runner", Kind: KindTool, Handler: noop, Enabled: true,
		Intents: []intent.Label{intent.Code}, Triggers: []string{"```go", "run this"},
		Suggest: func(text string, _ intent.Result) Params { return Params{"source": text} }}
	math := &Descriptor{ID: "math_solver", Kind: KindTool, Handler: noop, Enabled: true,
		Intents: []intent.Label{intent.Math}}

	text := "debug this ```go\nfmt.Println(1)\n```"
	got, err := HeuristicRanker{}.Rank(context.Background(), RankRequest{
		Text: text, Intent: intent.Classify(text), Candidates: []*Descriptor{code, math},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "code_runner", got[0].ID)
	assert.InDelta(t, 0.75, got[0].Confidence, 1e-9)
	assert.Equal(t, text, got[0].Params["source"])

	got, _ = HeuristicRanker{}.Rank(context.Background(), RankRequest{
		Text: "hola", Intent: intent.Classify("hola"), Candidates: []*Descriptor{code, math},
	})
	assert.Empty(t, got)
}

func TestDecodeSuggestions(t *testing.T) {
	cands := []*Descriptor{{ID: "math_solver"}, {ID: "web_search"}}

	d := DecodeSuggestions("```json\n{\"suggestions\":[{\"id\":\"math_solver\",\"confidence\":0.8,\"params\":{\"expression\":\"2+2\"}},{\"id\":\"ghost\",\"confidence\":0.9}]}\n```", cands)
	require.True(t, d.OK, d.Err)
	require.Len(t, d.Suggestions, 1)
	assert.Equal(t, "2+2", d.Suggestions[0].Params.String("expression"))

	d = DecodeSuggestions(`{"suggestions":[{"id":"web_search","confidence":0.4,"params":"oops"}]}`, cands)
	require.True(t, d.OK)
	assert.Nil(t, d.Suggestions[0].Params)

	for _, bad := range []string{
		"I cannot help",
		`{"suggestions":[{"id":"math_solver","confidence":1.5}]}`,
		`{"suggestions":[{"id":"math_solver"}]}`,
		`{"suggestions": nope}`,
	} {
		assert.False(t, DecodeSuggestions(bad, cands).OK, bad)
	}
}

func TestModelRankerFallsBack(t *testing.T) {
	cands := []*Descriptor{{ID: "math_solver"}}
	fallback := &staticRanker{suggestions: []Suggestion{{ID: "math_solver", Confidence: 0.7}}}

	good := &ModelRanker{Client: &llm.Scripted{Chunks: []string{`{"suggestions":[{"id":"math_solver","confidence":0.9}]}`}}, Fallback: fallback}
	got, err := good.Rank(context.Background(), RankRequest{Candidates: cands})
	require.NoError(t, err)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Zero(t, fallback.calls.Load())

	garbled := &ModelRanker{Client: &llm.Scripted{Chunks: []string{"sure! here you go"}}, Fallback: fallback}
	got, err = garbled.Rank(context.Background(), RankRequest{Candidates: cands})
	require.NoError(t, err)
	assert.Equal(t, 0.7, got[0].Confidence)

	down := &ModelRanker{Client: &llm.Scripted{FailBefore: errors.New("503")}}
	got, err = down.Rank(context.Background(), RankRequest{Candidates: cands})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestModelRankerReportsUsage(t *testing.T) {
	cands := []*Descriptor{{ID: "math_solver"}}
	type call struct {
		model string
		usage llm.Usage
	}
	var calls []call
	onUsage := func(model string, u llm.Usage) { calls = append(calls, call{model, u}) }

	reported := &ModelRanker{Model: "ranker", Client: &llm.Scripted{
		Chunks: []string{`{"suggestions":[]}`},
		Usage:  &llm.Usage{InputTokens: 120, OutputTokens: 8},
	}}
	_, err := reported.Rank(context.Background(), RankRequest{Text: "2+2", Candidates: cands, OnUsage: onUsage})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, call{"ranker", llm.Usage{InputTokens: 120, OutputTokens: 8}}, calls[0])

	estimated := &ModelRanker{Model: "ranker", Client: &llm.Scripted{Chunks: []string{`{"suggestions":[]}`}}}
	_, err = estimated.Rank(context.Background(), RankRequest{Text: "2+2", Candidates: cands, OnUsage: onUsage})
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Positive(t, calls[1].usage.InputTokens)
	assert.Equal(t, 5, calls[1].usage.OutputTokens, "18 runes of reply")

	down := &ModelRanker{Client: &llm.Scripted{FailBefore: errors.New("503")}}
	_, err = down.Rank(context.Background(), RankRequest{Candidates: cands, OnUsage: onUsage})
	require.NoError(t, err)
	assert.Len(t, calls, 2, "a call that produced nothing is not charged")
}
