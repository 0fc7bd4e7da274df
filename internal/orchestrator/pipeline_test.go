package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/abuse"
	"chatcore/internal/apperr"
	"chatcore/internal/background"
	"chatcore/internal/budget"
	"chatcore/internal/cache"
	"chatcore/internal/capability"
	"chatcore/internal/capability/builtin"
	"chatcore/internal/config"
	"chatcore/internal/gate"
	"chatcore/internal/intent"
	"chatcore/internal/llm"
	"chatcore/internal/plans"
	"chatcore/internal/profile"
	"chatcore/internal/prompt"
	"chatcore/internal/store"
	"chatcore/internal/stream"
)

const testModel = "test-model"

type harness struct {
	p        *Pipeline
	client   *llm.Scripted
	governor *budget.Governor
	db       *store.Store
	bg       *background.Dispatcher
	profiles *profile.Service
}

func testPlans() config.PlansConfig {
	return config.PlansConfig{
		Default: "free",
		Tiers: map[string]config.PlanConfig{
			"free": {DailyCostLimit: 1, MonthlyCostLimit: 10},
			"pro": {
				DailyCostLimit:   10,
				MonthlyCostLimit: 100,
				FileGeneration:   config.FileGenerationConfig{Enabled: true, Types: []string{"csv"}, MaxBytes: 1024},
			},
		},
		Users: map[string]string{"ana": "pro"},
	}
}

func newHarness(t *testing.T, mode string, client *llm.Scripted, tweaks ...func(*gate.Options)) *harness {
	t.Helper()
	mem := cache.NewMemory(1000)
	db, err := store.Open(":memory:")
	require.NoError(t, err)

	governor := budget.NewGovernor(
		budget.NewPricing(map[string]budget.Price{testModel: {Input: 0.01, Output: 0.02}}, budget.Price{Input: 0.01, Output: 0.02}),
		budget.WithRecorder(db),
	)
	gopts := gate.Options{
		Requests:     100,
		Window:       time.Minute,
		TTLs:         cache.DefaultTTLs(),
		DefaultModel: testModel,
	}
	for _, tweak := range tweaks {
		tweak(&gopts)
	}
	g := gate.New(mem, plans.FromConfig(testPlans()), abuse.NewHeuristic(), gopts)
	reg := capability.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.Deps{Cache: mem, DerivedTTL: time.Minute}))

	bg := background.NewDispatcher(mem, background.Config{Workers: 2, QueueSize: 16, TaskTimeout: 5 * time.Second})
	bg.Start()
	profiles := profile.NewService(100)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bg.Stop(ctx)
		_ = db.Close()
	})

	p := New(Deps{
		Gate:       g,
		Governor:   governor,
		Engine:     stream.NewEngine(client, stream.Options{}),
		Dispatcher: capability.NewDispatcher(reg, nil, capability.DefaultOptions()),
		Profiles:   profiles,
		Background: bg,
		History:    db,
	}, Options{Mode: mode, HistoryWindow: 10, FastWindow: 4})
	return &harness{p: p, client: client, governor: governor, db: db, bg: bg, profiles: profiles}
}

// drain waits for every queued follow-up batch.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.bg.Stop(ctx))
}

type recorder struct {
	mu    sync.Mutex
	calls int
	pre   Preflight
	buf   stream.Buffer
}

func (r *recorder) Prepare(p Preflight) stream.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.pre = p
	return &r.buf
}

func userTurn(user, text string) gate.Turn {
	return gate.Turn{UserID: user, Messages: []gate.Message{{Role: gate.RoleUser, Content: text}}}
}

func TestFastPathGreeting(t *testing.T) {
	client := &llm.Scripted{Chunks: []string{"¡Hola!", " ¿En qué", " puedo ayudarte?"}}
	h := newHarness(t, config.ModeFast, client)
	r := &recorder{}

	out, err := h.p.Handle(context.Background(), userTurn("u1", "hola"), "10.0.0.1", r)
	require.NoError(t, err)

	assert.Equal(t, 1, r.calls)
	assert.Equal(t, config.ModeFast, r.pre.Mode)
	assert.Equal(t, "¡Hola! ¿En qué puedo ayudarte?", r.buf.String())
	assert.False(t, out.Buffered)
	assert.Empty(t, out.Metadata.Intent)
	assert.Empty(t, out.Metadata.Capabilities.Succeeded)

	req, ok := client.LastRequest()
	require.True(t, ok)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: prompt.FastSystemPrompt}, req.Messages[0])
	assert.Equal(t, "hola", req.Messages[1].Content)

	usage := out.Metadata.Usage
	assert.False(t, usage.Reported)
	assert.Positive(t, usage.EstimatedInput)
	assert.Equal(t, 2*usage.EstimatedInput, usage.EstimatedOutput)
	assert.Positive(t, usage.Output)

	snap := h.governor.Snapshot("u1")
	assert.Zero(t, snap.DailyReserved)
	assert.InDelta(t, usage.Cost, snap.DailyConsumed, 1e-12)
}

func TestBudgetDeniedBeforeModelCall(t *testing.T) {
	client := &llm.Scripted{Chunks: []string{"never"}}
	h := newHarness(t, config.ModeFull, client)
	h.governor.Seed("u1", 5, 5)
	r := &recorder{}

	_, err := h.p.Handle(context.Background(), userTurn("u1", "calculate 2 + 2"), "10.0.0.1", r)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPolicy, apperr.CodeBudgetExceeded))
	assert.Equal(t, 402, apperr.HTTPStatus(err))
	assert.Zero(t, client.Calls())
	assert.Zero(t, r.calls)
}

func TestUpstreamFailureReleasesReservation(t *testing.T) {
	client := &llm.Scripted{FailBefore: errors.New("connection refused")}
	h := newHarness(t, config.ModeFast, client)
	r := &recorder{}

	_, err := h.p.Handle(context.Background(), userTurn("u1", "hola"), "10.0.0.1", r)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamModel, apperr.KindOf(err))
	assert.False(t, r.buf.Began())

	snap := h.governor.Snapshot("u1")
	assert.Zero(t, snap.DailyReserved)
	assert.Zero(t, snap.DailyConsumed)

	convs, err := h.db.ListSummaries(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestFullPathEnrichesAndPersists(t *testing.T) {
	client := &llm.Scripted{
		Chunks: []string{"12 * 7", " is 84."},
		Usage:  &llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
	h := newHarness(t, config.ModeFull, client)
	r := &recorder{}
	ctx := context.Background()

	out, err := h.p.Handle(ctx, userTurn("u1", "please calculate 12 * 7"), "10.0.0.1", r)
	require.NoError(t, err)

	assert.Equal(t, intent.Math, out.Metadata.Intent)
	assert.Equal(t, intent.Math, r.pre.Intent)
	assert.Contains(t, out.Metadata.Capabilities.Succeeded, builtin.MathSolverID)

	req, ok := client.LastRequest()
	require.True(t, ok)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "12 * 7 = 84")

	usage := out.Metadata.Usage
	assert.True(t, usage.Reported)
	assert.Equal(t, 100, usage.Input)
	assert.Equal(t, 50, usage.Output)
	assert.InDelta(t, h.governor.Cost(testModel, 100, 50), usage.Cost, 1e-12)
	assert.Equal(t, 1.0, out.Metadata.Quality.Completeness)

	conv, err := h.db.Conversation(ctx, out.Context.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, gate.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "12 * 7 is 84.", conv.Messages[1].Content)
	assert.Equal(t, out.MessageID, conv.Messages[1].ID)

	spent, err := h.db.SumCostSince(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, usage.Cost, spent, 1e-12)
}

func TestRankingCallIsCharged(t *testing.T) {
	client := &llm.Scripted{
		Chunks: []string{"12 * 7 is 84."},
		Usage:  &llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
	h := newHarness(t, config.ModeFull, client)
	reg := capability.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.Deps{Cache: cache.NewMemory(100), DerivedTTL: time.Minute}))
	rankClient := &llm.Scripted{
		Chunks: []string{`{"suggestions":[{"id":"math_solver","confidence":0.9}]}`},
		Usage:  &llm.Usage{InputTokens: 300, OutputTokens: 20},
	}
	ranker := &capability.ModelRanker{Client: rankClient, Model: "ranker-model"}
	h.p.deps.Dispatcher = capability.NewDispatcher(reg, ranker, capability.DefaultOptions())
	ctx := context.Background()

	out, err := h.p.Handle(ctx, userTurn("u1", "please calculate 12 * 7"), "10.0.0.1", &recorder{})
	require.NoError(t, err)
	assert.Equal(t, 1, rankClient.Calls())

	reply := h.governor.Cost(testModel, 100, 50)
	ranking := h.governor.Cost("ranker-model", 300, 20)
	assert.InDelta(t, reply, out.Metadata.Usage.Cost, 1e-12)

	snap := h.governor.Snapshot("u1")
	assert.InDelta(t, reply+ranking, snap.DailyConsumed, 1e-12)
	assert.Zero(t, snap.DailyReserved)

	spent, err := h.db.SumCostSince(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, reply+ranking, spent, 1e-12)
}

const csvReply = "Here it is.\n[[file type=\"csv\" name=\"sales.csv\"]]\nregion, total\nnorth, 10\n[[/file]]"

func TestFileReplyIsDelivered(t *testing.T) {
	h := newHarness(t, config.ModeFull, &llm.Scripted{Chunks: []string{csvReply[:20], csvReply[20:]}})
	r := &recorder{}

	out, err := h.p.Handle(context.Background(), userTurn("ana", "create a csv file with the sales report"), "10.0.0.1", r)
	require.NoError(t, err)

	assert.Zero(t, r.calls, "buffered replies never open the stream")
	assert.True(t, out.Buffered)
	require.NotNil(t, out.File)
	assert.Equal(t, "sales.csv", out.File.Name)
	assert.Equal(t, "text/csv; charset=utf-8", out.File.ContentType)
	assert.Equal(t, "region,total\nnorth,10\n", string(out.File.Data))
	assert.Equal(t, csvReply, out.Text)
	assert.Empty(t, out.FileError)
}

func TestDisallowedFileTypeFallsBackToText(t *testing.T) {
	reply := "[[file type=\"json\" name=\"sales.json\"]]{\"a\":1}[[/file]]"
	h := newHarness(t, config.ModeFull, &llm.Scripted{Chunks: []string{reply}})

	out, err := h.p.Handle(context.Background(), userTurn("ana", "export the report as a json file"), "10.0.0.1", &recorder{})
	require.NoError(t, err)
	assert.True(t, out.Buffered)
	assert.Nil(t, out.File)
	assert.Equal(t, apperr.CodeFileTypeNotAllowed, out.FileError)
	assert.Equal(t, reply, out.Text)
}

func TestFileIntentStreamsWithoutFileGeneration(t *testing.T) {
	h := newHarness(t, config.ModeFull, &llm.Scripted{Chunks: []string{"I can describe it instead."}})
	r := &recorder{}

	out, err := h.p.Handle(context.Background(), userTurn("u1", "create a csv file with the sales report"), "10.0.0.1", r)
	require.NoError(t, err)
	assert.False(t, out.Buffered)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, "I can describe it instead.", r.buf.String())
}

func TestFollowUpRunsOncePerTurn(t *testing.T) {
	h := newHarness(t, config.ModeFull, &llm.Scripted{Chunks: []string{"Noted."}})
	ctx := context.Background()
	turn := userTurn("u1", "Please remember that my dentist appointment is on Friday")

	first, err := h.p.Handle(ctx, turn, "10.0.0.1", &recorder{})
	require.NoError(t, err)
	second, err := h.p.Handle(ctx, turn, "10.0.0.1", &recorder{})
	require.NoError(t, err)
	require.Equal(t, first.Context.ConversationID, second.Context.ConversationID, "approval replays ids")
	h.drain(t)

	events, err := h.db.Events(ctx, "turn", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].UserID)

	memories, err := h.db.Memories(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.True(t, strings.HasPrefix(memories[0].Content, "remember that my dentist"))

	p, ok := h.profiles.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 1, p.Turns)
}

func TestFollowUpDedupsRetryAfterApprovalExpires(t *testing.T) {
	h := newHarness(t, config.ModeFull, &llm.Scripted{Chunks: []string{"Noted."}}, func(o *gate.Options) {
		o.TTLs.Approval = 10 * time.Millisecond
	})
	ctx := context.Background()
	turn := userTurn("u1", "Please remember that I work at the harbour office")

	first, err := h.p.Handle(ctx, turn, "10.0.0.1", &recorder{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	second, err := h.p.Handle(ctx, turn, "10.0.0.1", &recorder{})
	require.NoError(t, err)
	require.NotEqual(t, first.Context.ConversationID, second.Context.ConversationID)
	h.drain(t)

	stats := h.bg.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Duplicates)

	events, err := h.db.Events(ctx, "turn", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	p, ok := h.profiles.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 1, p.Turns)
}

func TestFingerprintTrimsContent(t *testing.T) {
	assert.Equal(t, Fingerprint("hola"), Fingerprint("  hola \n"))
	assert.NotEqual(t, Fingerprint("hola"), Fingerprint("adios"))
}

func TestExtractMemories(t *testing.T) {
	got := ExtractMemories("Hi, my name is Ana Lopez. I prefer short answers. Remember that I use Go.")
	assert.Equal(t, []string{
		"Remember that I use Go",
		"my name is Ana Lopez",
		"I prefer short answers",
	}, got)
	assert.Empty(t, ExtractMemories("what time is it?"))
}

func TestRelevance(t *testing.T) {
	assert.Equal(t, 1.0, Relevance("hi", "anything"))
	assert.Equal(t, 0.5, Relevance("golang channels", "Channels are typed conduits."))
	assert.Equal(t, 0.0, Relevance("golang channels", "no idea"))
}

func TestHeader(t *testing.T) {
	assert.Equal(t, `{"a":1}`, Header(map[string]int{"a": 1}))
	assert.Equal(t, "{}", Header(func() {}))
}
