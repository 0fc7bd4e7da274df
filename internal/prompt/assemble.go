package prompt

import (
	"fmt"
	"strings"

	"chatcore/internal/attachment"
	"chatcore/internal/capability"
	"chatcore/internal/capability/builtin"
	"chatcore/internal/gate"
	"chatcore/internal/llm"
)

// Assemble orders the final message list: the system block, the last window
// messages of history, then the current user message. Empty history
// entries are dropped and a window of zero or less keeps no history.
func Assemble(system string, history []gate.Message, window int, user string) []llm.Message {
	var kept []gate.Message
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" || m.Role == gate.RoleSystem {
			continue
		}
		kept = append(kept, m)
	}
	if window <= 0 {
		kept = nil
	} else if len(kept) > window {
		kept = kept[len(kept)-window:]
	}

	msgs := make([]llm.Message, 0, len(kept)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range kept {
		role := llm.RoleUser
		if m.Role == gate.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: user})
	return msgs
}

// RenderUserMessage appends attachment excerpts and search snippets to the
// user's text.
func RenderUserMessage(text string, excerpts []attachment.Excerpt, snippets []string) string {
	if len(excerpts) == 0 && len(snippets) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, e := range excerpts {
		fmt.Fprintf(&b, "\n\n[Attached: %s]\n%s", e.Name, e.Text)
	}
	if len(snippets) > 0 {
		b.WriteString("\n\n[Search results]")
		for i, s := range snippets {
			fmt.Fprintf(&b, "\n%d. %s", i+1, s)
		}
	}
	return b.String()
}

// SearchSnippets pulls the "title: snippet" lines out of a web search
// invocation, if one succeeded.
func SearchSnippets(report capability.Report) []string {
	inv, ok := report.Find(builtin.WebSearchID)
	if !ok {
		return nil
	}
	items, _ := inv.Output.Data["snippets"].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		snippet, _ := m["snippet"].(string)
		if snippet == "" {
			continue
		}
		if title != "" {
			snippet = title + ": " + snippet
		}
		out = append(out, snippet)
	}
	return out
}
