package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"

	"chatcore/internal/attachment"
	"chatcore/internal/capability"
	"chatcore/internal/capability/builtin"
	"chatcore/internal/gate"
	"chatcore/internal/intent"
	"chatcore/internal/llm"
)

func blockNames(blocks []Block) []string {
	names := make([]string, len(blocks))
	for i, b := range blocks {
		names[i] = b.Name
	}
	return names
}

func fullInput() Input {
	return Input{
		BasePrompt:   "Base.",
		Language:     language.Spanish,
		Completeness: Completeness{Sufficient: true},
		Intent:       intent.Result{IsMath: true, IsCode: true, IsFile: true},
		FileTypes:    []string{"md", "csv"},
		Report: capability.Report{Invocations: []capability.Invocation{
			{CapabilityID: "weather", Output: capability.Output{Text: "sunny"}},
			{CapabilityID: builtin.WebSearchID, Output: capability.Output{Text: "1. Go (go.dev): fast"}},
			{CapabilityID: builtin.CodeRunnerID, Output: capability.Output{Text: "stdout:\nhi"}},
			{CapabilityID: builtin.TaskExtractorID, Output: capability.Output{Text: "- buy milk"}},
			{CapabilityID: builtin.MathSolverID, Output: capability.Output{Text: "2+2 = 4"}},
			{CapabilityID: "broken", Err: errors.New("boom")},
		}},
		Excerpts: []attachment.Excerpt{{Name: "notes.txt", Text: "hello", Truncated: true}},
		Images:   []attachment.ImageSummary{{Name: "a.png", Format: "png", Width: 2, Height: 3, Bytes: 10}},
	}
}

func TestBlocksFixedOrder(t *testing.T) {
	want := []string{
		BlockBase, BlockLanguage, BlockProceed, BlockMath, BlockTasks, BlockCode,
		BlockFile, BlockCapabilities, BlockCodeResult, BlockAttachments, BlockSearch, BlockImages,
	}
	if diff := cmp.Diff(want, blockNames(Blocks(fullInput()))); diff != "" {
		t.Errorf("block order mismatch (-want +got):\n%s", diff)
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	a := Synthesize(fullInput())
	b := Synthesize(fullInput())
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("synthesis not deterministic:\n%s", diff)
	}
	assert.Contains(t, a, "Reply in Spanish")
	assert.Contains(t, a, "Allowed types: csv, md.")
	assert.Contains(t, a, "[weather]\nsunny")
	assert.NotContains(t, a, "broken")
	assert.Contains(t, a, "(truncated)")
	assert.Contains(t, a, "- a.png: png 2x3, 10 bytes")
}

func TestBlocksMinimal(t *testing.T) {
	blocks := Blocks(Input{Completeness: Completeness{Missing: []string{"file type"}}})
	if diff := cmp.Diff([]string{BlockBase, BlockClarify}, blockNames(blocks)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	assert.Equal(t, DefaultBasePrompt, blocks[0].Text)
	assert.Contains(t, blocks[1].Text, "missing: file type")
}

func TestMathBlockNeedsIntent(t *testing.T) {
	in := fullInput()
	in.Intent.IsMath = false
	assert.NotContains(t, blockNames(Blocks(in)), BlockMath)
}

func TestFileBlockNeedsTypes(t *testing.T) {
	in := fullInput()
	in.FileTypes = nil
	assert.NotContains(t, blockNames(Blocks(in)), BlockFile)
}

func TestCheckCompleteness(t *testing.T) {
	tests := []struct {
		name    string
		turn    gate.Turn
		intent  intent.Result
		missing []string
	}{
		{
			name: "plain greeting",
			turn: gate.Turn{Messages: []gate.Message{{Role: gate.RoleUser, Content: "hola"}}},
		},
		{
			name:    "dangling reference",
			turn:    gate.Turn{Messages: []gate.Message{{Role: gate.RoleUser, Content: "fix this please"}}},
			missing: []string{"referenced content"},
		},
		{
			name: "reference with history",
			turn: gate.Turn{Messages: []gate.Message{
				{Role: gate.RoleUser, Content: "x := 1"},
				{Role: gate.RoleAssistant, Content: "ok"},
				{Role: gate.RoleUser, Content: "fix this please"},
			}},
		},
		{
			name:    "math without numbers",
			turn:    gate.Turn{Messages: []gate.Message{{Role: gate.RoleUser, Content: "solve the equation for me please now"}}},
			intent:  intent.Result{IsMath: true},
			missing: []string{"numbers to work with"},
		},
		{
			name:    "code without snippet",
			turn:    gate.Turn{Messages: []gate.Message{{Role: gate.RoleUser, Content: "why does my code throw an exception when I run the program"}}},
			intent:  intent.Result{IsCode: true},
			missing: []string{"code snippet"},
		},
		{
			name:    "file without type",
			turn:    gate.Turn{Messages: []gate.Message{{Role: gate.RoleUser, Content: "generate a file with the sales numbers from last quarter"}}},
			intent:  intent.Result{IsFile: true},
			missing: []string{"file type"},
		},
		{
			name:   "file with type",
			turn:   gate.Turn{Messages: []gate.Message{{Role: gate.RoleUser, Content: "export the sales as csv"}}},
			intent: intent.Result{IsFile: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckCompleteness(tt.turn, tt.intent)
			if diff := cmp.Diff(tt.missing, got.Missing); diff != "" {
				t.Errorf("missing mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, len(tt.missing) == 0, got.Sufficient)
		})
	}
}

func TestCompletenessScore(t *testing.T) {
	assert.Equal(t, 1.0, Completeness{Sufficient: true}.Score())
	assert.InDelta(t, 1.0/3, Completeness{Missing: []string{"a", "b"}}.Score(), 1e-9)
	assert.Equal(t, 0.0, Completeness{Missing: []string{"a", "b", "c", "d"}}.Score())
}

func TestAssemble(t *testing.T) {
	history := []gate.Message{
		{Role: gate.RoleUser, Content: "one"},
		{Role: gate.RoleAssistant, Content: "two"},
		{Role: gate.RoleSystem, Content: "ignored"},
		{Role: gate.RoleUser, Content: "  "},
		{Role: gate.RoleUser, Content: "three"},
	}
	got := Assemble("sys", history, 2, "now")
	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleAssistant, Content: "two"},
		{Role: llm.RoleUser, Content: "three"},
		{Role: llm.RoleUser, Content: "now"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Assemble mismatch (-want +got):\n%s", diff)
	}

	got = Assemble("sys", history, 0, "now")
	if diff := cmp.Diff(want[:1], got[:1]); diff != "" {
		t.Errorf("system block mismatch:\n%s", diff)
	}
	assert.Len(t, got, 2)
}

func TestRenderUserMessage(t *testing.T) {
	assert.Equal(t, "hi", RenderUserMessage("hi", nil, nil))

	got := RenderUserMessage("hi",
		[]attachment.Excerpt{{Name: "a.txt", Text: "body"}},
		[]string{"Go: fast", "Rust: safe"})
	want := "hi\n\n[Attached: a.txt]\nbody\n\n[Search results]\n1. Go: fast\n2. Rust: safe"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestSearchSnippets(t *testing.T) {
	report := capability.Report{Invocations: []capability.Invocation{{
		CapabilityID: builtin.WebSearchID,
		Output: capability.Output{Data: map[string]any{"snippets": []any{
			map[string]any{"title": "Go", "url": "https://go.dev", "snippet": "fast"},
			map[string]any{"title": "Empty", "snippet": ""},
		}}},
	}}}
	assert.Equal(t, []string{"Go: fast"}, SearchSnippets(report))
	assert.Nil(t, SearchSnippets(capability.Report{}))
	assert.False(t, strings.Contains(Synthesize(Input{Completeness: Completeness{Sufficient: true}}), "Web search"))
}
