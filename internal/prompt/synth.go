// Package prompt builds the system prompt and the message list sent to the
// model. Synthesis is a pure function of its input so identical inputs
// always produce identical prompts.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"chatcore/internal/attachment"
	"chatcore/internal/capability"
	"chatcore/internal/capability/builtin"
	"chatcore/internal/intent"
)

// DefaultBasePrompt is used when the plan has no base prompt.
const DefaultBasePrompt = "You are a helpful assistant. Answer accurately and concisely, and say so when you are unsure."

// FastSystemPrompt is the only instruction on the fast path.
const FastSystemPrompt = "You are a helpful assistant. Reply concisely."

// Block names in synthesis order.
const (
	BlockBase         = "base"
	BlockLanguage     = "language"
	BlockClarify      = "clarify"
	BlockProceed      = "proceed"
	BlockMath         = "math"
	BlockTasks        = "tasks"
	BlockCode         = "code"
	BlockFile         = "file"
	BlockCapabilities = "capabilities"
	BlockCodeResult   = "code_result"
	BlockAttachments  = "attachments"
	BlockSearch       = "search"
	BlockImages       = "images"
)

// Input is everything synthesis reads.
type Input struct {
	BasePrompt   string
	Language     language.Tag
	Completeness Completeness
	Intent       intent.Result
	Report       capability.Report
	// FileTypes are the extensions the plan may generate. Nil hides the
	// file block even for file intents.
	FileTypes []string
	Excerpts  []attachment.Excerpt
	Images    []attachment.ImageSummary
}

// Block is one named section of the synthesized prompt.
type Block struct {
	Name string
	Text string
}

// dedicated capabilities render in their own blocks.
var dedicated = map[string]bool{
	builtin.MathSolverID:    true,
	builtin.TaskExtractorID: true,
	builtin.CodeRunnerID:    true,
	builtin.WebSearchID:     true,
}

// Synthesize renders the system prompt.
func Synthesize(in Input) string {
	blocks := Blocks(in)
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Text
	}
	return strings.Join(parts, "\n\n")
}

// Blocks returns the sections Synthesize joins, in their fixed order.
func Blocks(in Input) []Block {
	var out []Block
	add := func(name, text string) {
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, Block{Name: name, Text: text})
		}
	}

	base := in.BasePrompt
	if strings.TrimSpace(base) == "" {
		base = DefaultBasePrompt
	}
	add(BlockBase, base)

	if in.Language != language.Und {
		add(BlockLanguage, fmt.Sprintf("Reply in %s unless the user asks otherwise.", display.English.Tags().Name(in.Language)))
	}

	if in.Completeness.Sufficient {
		add(BlockProceed, "The request has enough context. Proceed with a direct answer.")
	} else {
		add(BlockClarify, "The request is missing: "+strings.Join(in.Completeness.Missing, ", ")+
			". Ask one short clarifying question before answering.")
	}

	if inv, ok := in.Report.Find(builtin.MathSolverID); ok && in.Intent.IsMath {
		add(BlockMath, "A solver computed "+inv.Output.Text+". Show the steps briefly and state the result.")
	}
	if inv, ok := in.Report.Find(builtin.TaskExtractorID); ok {
		add(BlockTasks, "Tasks found in the message:\n"+inv.Output.Text+"\nConfirm them as a checklist.")
	}
	if in.Intent.IsCode {
		add(BlockCode, "Put code in fenced blocks tagged with the language. Explain bugs before fixing them.")
	}
	if in.Intent.IsFile && len(in.FileTypes) > 0 {
		types := append([]string(nil), in.FileTypes...)
		sort.Strings(types)
		add(BlockFile, "If the user wants a file, wrap its full contents in "+
			`[[file type="<ext>" name="<name>.<ext>"]] ... [[/file]]`+
			". Allowed types: "+strings.Join(types, ", ")+".")
	}

	var generic strings.Builder
	for _, inv := range in.Report.Succeeded() {
		if dedicated[inv.CapabilityID] || inv.Output.Text == "" {
			continue
		}
		fmt.Fprintf(&generic, "[%s]\n%s\n", inv.CapabilityID, inv.Output.Text)
	}
	if generic.Len() > 0 {
		add(BlockCapabilities, "Capability results:\n"+generic.String())
	}

	if inv, ok := in.Report.Find(builtin.CodeRunnerID); ok {
		add(BlockCodeResult, "The code was executed:\n"+inv.Output.Text)
	}

	if len(in.Excerpts) > 0 {
		var b strings.Builder
		b.WriteString("Attached files:\n")
		for _, e := range in.Excerpts {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", e.Name, e.Text)
			if e.Truncated {
				b.WriteString("(truncated)\n")
			}
		}
		add(BlockAttachments, b.String())
	}

	if inv, ok := in.Report.Find(builtin.WebSearchID); ok {
		add(BlockSearch, "Web search results (cite them when used):\n"+inv.Output.Text)
	}

	if len(in.Images) > 0 {
		var b strings.Builder
		b.WriteString("Attached images:\n")
		for _, img := range in.Images {
			fmt.Fprintf(&b, "- %s: %s %dx%d, %d bytes\n", img.Name, img.Format, img.Width, img.Height, img.Bytes)
		}
		add(BlockImages, b.String())
	}
	return out
}
