package builtin

import (
	"context"
	"regexp"
	"strings"

	"chatcore/internal/capability"
	"chatcore/internal/intent"
)

var (
	checkboxLine = regexp.MustCompile(`^\s*[-*]\s*\[( |x|X)\]\s+(.+)$`)
	bulletLine   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
	todoPhrase   = regexp.MustCompile(`(?i)\b(?:todo|to-do|tarea)\s*:\s*(.+)`)
	remindPhrase = regexp.MustCompile(`(?i)\b(?:remind me to|i need to|don't forget to|recuérdame)\s+([^.!?\n]+)`)
)

// Task is one extracted action item.
type Task struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TaskExtractor pulls action items out of the turn.
func TaskExtractor() *capability.Descriptor {
	return &capability.Descriptor{
		ID:          TaskExtractorID,
		Description: "Extracts action items from lists, checkboxes and reminder phrasing",
		Kind:        capability.KindTool,
		Enabled:     true,
		Intents:     []intent.Label{intent.Task},
		Triggers:    []string{"todo", "remind me", "checklist", "- [ ]"},
		Schema: capability.Schema{
			Required: []string{"text"},
			Properties: map[string]capability.Property{
				"text": {Type: "string", Description: "Text to scan for tasks"},
			},
		},
		Suggest: func(text string, _ intent.Result) capability.Params {
			return capability.Params{"text": text}
		},
		Handler: func(_ context.Context, p capability.Params) (capability.Output, error) {
			tasks := ExtractTasks(p.String("text"))
			if len(tasks) == 0 {
				return capability.Output{Declined: true, Reason: "no tasks found"}, nil
			}
			var b strings.Builder
			items := make([]any, 0, len(tasks))
			for _, t := range tasks {
				mark := "[ ]"
				if t.Done {
					mark = "[x]"
				}
				b.WriteString("- " + mark + " " + t.Text + "\n")
				items = append(items, map[string]any{"text": t.Text, "done": t.Done})
			}
			return capability.Output{
				Text: strings.TrimRight(b.String(), "\n"),
				Data: map[string]any{"tasks": items},
			}, nil
		},
	}
}

// ExtractTasks finds action items line by line. Duplicates are dropped.
func ExtractTasks(text string) []Task {
	var out []Task
	seen := make(map[string]bool)
	add := func(t Task) {
		t.Text = strings.TrimSpace(strings.TrimRight(t.Text, " .;"))
		key := strings.ToLower(t.Text)
		if t.Text == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, t)
	}

	for _, line := range strings.Split(text, "\n") {
		if m := checkboxLine.FindStringSubmatch(line); m != nil {
			add(Task{Text: m[2], Done: m[1] != " "})
			continue
		}
		if m := todoPhrase.FindStringSubmatch(line); m != nil {
			add(Task{Text: m[1]})
			continue
		}
		if m := remindPhrase.FindStringSubmatch(line); m != nil {
			add(Task{Text: m[1]})
			continue
		}
		if m := bulletLine.FindStringSubmatch(line); m != nil {
			add(Task{Text: m[1]})
		}
	}
	return out
}
