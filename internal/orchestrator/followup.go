package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"chatcore/internal/background"
	"chatcore/internal/cache"
	"chatcore/internal/gate"
	"chatcore/internal/intent"
	"chatcore/internal/logging"
	"chatcore/internal/store"
)

// Background task names.
const (
	TaskAnalytics = "analytics"
	TaskMemory    = "memory"
	TaskProfile   = "profile"
	TaskLanguage  = "language"
)

var memoryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bremember(?: that)? ([^.!?\n]{3,200})`),
	regexp.MustCompile(`(?i)\bmy name is ([\p{L}][\p{L} '-]{1,40})`),
	regexp.MustCompile(`(?i)\bi (?:prefer|like|love|always use) ([^.!?\n]{3,120})`),
	regexp.MustCompile(`(?i)\bi (?:work|live) (?:at|in|as) ([^.!?\n]{2,120})`),
}

// ExtractMemories returns the facts worth remembering from a user message.
func ExtractMemories(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, re := range memoryPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			whole := strings.TrimSpace(strings.Join(strings.Fields(m[0]), " "))
			if whole == "" || seen[strings.ToLower(whole)] {
				continue
			}
			seen[strings.ToLower(whole)] = true
			out = append(out, whole)
		}
	}
	return out
}

// Fingerprint identifies a turn's content for background idempotence.
// Conversation ids are left out: a retry without one is issued a fresh id.
func Fingerprint(text string) string {
	return cache.Key("turn", cache.Truncate(strings.TrimSpace(text), 512))
}

// followUp submits the background batch for a delivered turn.
func (p *Pipeline) followUp(ctx context.Context, rc *gate.RequestContext, in intent.Result, fast bool, out *Outcome) {
	if p.deps.Background == nil {
		return
	}
	text := rc.Turn.Latest()
	if fast {
		in = p.deps.Classifier.Classify(text)
	}
	meta := out.Metadata

	var tasks []background.Task
	if p.deps.History != nil {
		tasks = append(tasks,
			background.Task{Name: TaskAnalytics, Run: func(ctx context.Context) error {
				return p.deps.History.RecordEvent(ctx, store.Event{
					UserID:         rc.UserID,
					ConversationID: rc.ConversationID,
					Kind:           "turn",
					Data: map[string]any{
						"mode":          meta.Mode,
						"intent":        string(in.Primary),
						"model":         rc.Model,
						"tier":          rc.Plan.Tier,
						"input_tokens":  meta.Usage.Input,
						"output_tokens": meta.Usage.Output,
						"cost":          meta.Usage.Cost,
						"truncated":     meta.Quality.Truncated,
						"capabilities":  meta.Capabilities.Succeeded,
						"file":          out.File != nil,
						"elapsed_ms":    meta.ProcessingTime.Milliseconds(),
					},
				})
			}},
			background.Task{Name: TaskMemory, Run: func(ctx context.Context) error {
				var errs []error
				for _, fact := range ExtractMemories(text) {
					if _, err := p.deps.History.SaveMemory(ctx, rc.UserID, fact, rc.ConversationID); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			}},
		)
	}
	if p.deps.Profiles != nil {
		tasks = append(tasks,
			background.Task{Name: TaskProfile, Run: func(context.Context) error {
				p.deps.Profiles.Observe(rc.UserID, in)
				return nil
			}},
			background.Task{Name: TaskLanguage, Run: func(context.Context) error {
				p.deps.Profiles.LearnLanguage(rc.UserID, text, rc.Turn.AcceptLanguage)
				return nil
			}},
		)
	}
	if len(tasks) == 0 {
		return
	}

	err := p.deps.Background.Submit(ctx, background.Batch{
		UserID:      rc.UserID,
		Fingerprint: Fingerprint(text),
		Tasks:       tasks,
	})
	switch {
	case err == nil, errors.Is(err, background.ErrDuplicate):
	default:
		logging.BackgroundWarn("follow-up batch not queued: %v", err)
	}
}

// RunMaintenance periodically evicts idle profiles and stale budget
// ledgers until ctx is done.
func (p *Pipeline) RunMaintenance(ctx context.Context, every, profileIdle time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var profiles int
			if p.deps.Profiles != nil {
				profiles = p.deps.Profiles.Cleanup(profileIdle)
			}
			ledgers := p.deps.Governor.Sweep(p.now())
			if profiles > 0 || ledgers > 0 {
				logging.BackgroundDebug("maintenance: profiles=%d ledgers=%d evicted", profiles, ledgers)
			}
		}
	}
}
