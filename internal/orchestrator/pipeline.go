// Package orchestrator runs one turn through the request pipeline:
// gate, budget reservation, enrichment (full path only), streaming,
// persistence, usage recording and the background follow-up batch.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/language"

	"chatcore/internal/apperr"
	"chatcore/internal/attachment"
	"chatcore/internal/background"
	"chatcore/internal/budget"
	"chatcore/internal/capability"
	"chatcore/internal/config"
	"chatcore/internal/filegen"
	"chatcore/internal/gate"
	"chatcore/internal/intent"
	"chatcore/internal/llm"
	"chatcore/internal/logging"
	"chatcore/internal/profile"
	"chatcore/internal/prompt"
	"chatcore/internal/store"
	"chatcore/internal/stream"
)

// History is the conversation store the pipeline writes to.
type History interface {
	AppendMessage(ctx context.Context, conversationID, userID, role, content string) (string, error)
	RecordEvent(ctx context.Context, ev store.Event) error
	SaveMemory(ctx context.Context, userID, content, source string) (bool, error)
}

// Options are the per-deployment pipeline settings.
type Options struct {
	Mode           string
	HistoryWindow  int
	FastWindow     int
	RequestTimeout time.Duration
	MaxTokens      int
	Temperature    float64
}

// OptionsFromConfig maps the pipeline and model sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:           cfg.Pipeline.Mode,
		HistoryWindow:  cfg.Pipeline.HistoryWindow,
		FastWindow:     cfg.Pipeline.FastWindow,
		RequestTimeout: cfg.GetRequestTimeout(),
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
	}
}

// Deps are the collaborators of a Pipeline. Gate, Governor and Engine are
// required; the rest may be nil, which skips their stage.
type Deps struct {
	Gate        *gate.Gate
	Governor    *budget.Governor
	Engine      *stream.Engine
	Classifier  *intent.Classifier
	Dispatcher  *capability.Dispatcher
	Attachments *attachment.Extractor
	Profiles    *profile.Service
	Background  *background.Dispatcher
	History     History
}

// Preflight is what is known once every stage before the model call has
// passed. Responders use it to set response headers.
type Preflight struct {
	Context      *gate.RequestContext
	Mode         string
	Estimate     Usage
	Capabilities capability.Summary
	Intent       intent.Label
}

// Responder supplies the sink a streamed reply is written to. Prepare is
// called at most once per turn and never for buffered replies.
type Responder interface {
	Prepare(p Preflight) stream.Sink
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(p Preflight) stream.Sink

func (f ResponderFunc) Prepare(p Preflight) stream.Sink { return f(p) }

// Outcome is the result of a handled turn.
type Outcome struct {
	Context  *gate.RequestContext
	Result   stream.Result
	Metadata Metadata
	// Buffered is set when the reply was held back for file detection. The
	// caller must send File, or Text when File is nil.
	Buffered bool
	Text     string
	File     *filegen.File
	// FileError is the reason code when a file marker was found but could
	// not be delivered.
	FileError string
	MessageID string
}

// Pipeline is the request orchestrator.
type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates a pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.Mode == "" {
		opts.Mode = config.ModeFull
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	if opts.FastWindow <= 0 {
		opts.FastWindow = 4
	}
	if deps.Classifier == nil {
		deps.Classifier = intent.NewClassifier()
	}
	return &Pipeline{deps: deps, opts: opts, now: time.Now}
}

// Mode returns the configured response path.
func (p *Pipeline) Mode() string { return p.opts.Mode }

// Handle runs turn through every stage. Errors are returned only from the
// mandatory stages, before anything was written to the responder.
func (p *Pipeline) Handle(ctx context.Context, turn gate.Turn, origin string, r Responder) (*Outcome, error) {
	start := p.now()
	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
	}

	rc, err := p.deps.Gate.Evaluate(ctx, turn, origin)
	if err != nil {
		return nil, err
	}

	// Reserve before any model call, including capability ranking.
	limits := budget.Limits{Daily: rc.Plan.DailyCostLimit, Monthly: rc.Plan.MonthlyCostLimit}
	estimate := p.estimate(rc)
	decision := p.deps.Governor.Reserve(rc.UserID, limits, estimate.EstimatedCost)
	if !decision.Allowed {
		return nil, decision.Err()
	}
	reserved := estimate.EstimatedCost
	released := false
	defer func() {
		if !released {
			p.deps.Governor.Release(rc.UserID, reserved)
		}
	}()

	text := turn.Latest()
	fast := p.opts.Mode == config.ModeFast

	var (
		in       intent.Result
		report   capability.Report
		complete = prompt.Completeness{Sufficient: true}
		msgs     []llm.Message
	)
	if fast {
		msgs = prompt.Assemble(prompt.FastSystemPrompt, turn.History(), p.opts.FastWindow, text)
	} else {
		in, report, complete, msgs = p.enrich(ctx, rc)
	}

	buffered := !fast && in.IsFile && rc.Plan.FileGeneration.Enabled
	var (
		sink stream.Sink
		buf  *stream.Buffer
	)
	if buffered {
		buf = &stream.Buffer{}
		sink = buf
	} else {
		sink = r.Prepare(Preflight{
			Context:      rc,
			Mode:         p.opts.Mode,
			Estimate:     estimate,
			Capabilities: report.Summary(),
			Intent:       in.Primary,
		})
	}

	res, err := p.deps.Engine.Run(ctx, llm.Request{
		Model:       rc.Model,
		Messages:    msgs,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
	}, sink)
	if err != nil {
		return nil, err
	}

	// The reply has been delivered. Nothing below may fail the request or
	// depend on the client still being connected.
	after := context.WithoutCancel(ctx)
	out := &Outcome{Context: rc, Result: res, Buffered: buffered}
	if buffered {
		out.Text = res.Text
		p.deliverFile(out, rc)
	}

	out.MessageID = p.persist(after, rc, text, res.Text)

	cost, err := p.deps.Governor.Record(after, budget.Charge{
		UserID:         rc.UserID,
		Model:          rc.Model,
		InputTokens:    res.Usage.InputTokens,
		OutputTokens:   res.Usage.OutputTokens,
		ConversationID: rc.ConversationID,
		MessageID:      out.MessageID,
		Reserved:       reserved,
	})
	released = true
	if err != nil {
		logging.BudgetDebug("usage persistence failed: %v", err)
	}

	usage := estimate
	usage.Input, usage.Output, usage.Cost = res.Usage.InputTokens, res.Usage.OutputTokens, cost
	usage.Reported = res.UsageReported
	out.Metadata = Metadata{
		Mode:  p.opts.Mode,
		Usage: usage,
		Quality: Quality{
			Completeness: complete.Score(),
			Relevance:    Relevance(text, res.Text),
			Truncated:    res.Truncated,
		},
		Capabilities:   report.Summary(),
		Intent:         in.Primary,
		ProcessingTime: p.now().Sub(start),
	}
	if fast {
		out.Metadata.Intent = ""
	}

	p.followUp(after, rc, in, fast, out)
	return out, nil
}

// estimate prices the turn before any model call. Output is assumed to be
// twice the input.
func (p *Pipeline) estimate(rc *gate.RequestContext) Usage {
	window := p.opts.HistoryWindow
	if p.opts.Mode == config.ModeFast {
		window = p.opts.FastWindow
	}
	history := rc.Turn.History()
	if len(history) > window {
		history = history[len(history)-window:]
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString(rc.Turn.Latest())

	in, outTokens := budget.EstimateCall(b.String())
	return Usage{
		EstimatedInput:  in,
		EstimatedOutput: outTokens,
		EstimatedCost:   p.deps.Governor.Cost(rc.Model, in, outTokens),
	}
}

// chargeRanking records model calls made while ranking capabilities on the
// same ledger as the reply. They run after the reservation, so they are
// charged without one.
func (p *Pipeline) chargeRanking(ctx context.Context, rc *gate.RequestContext) capability.UsageFunc {
	return func(model string, u llm.Usage) {
		cost, err := p.deps.Governor.Record(context.WithoutCancel(ctx), budget.Charge{
			UserID:         rc.UserID,
			Model:          model,
			InputTokens:    u.InputTokens,
			OutputTokens:   u.OutputTokens,
			ConversationID: rc.ConversationID,
		})
		if err != nil {
			logging.BudgetDebug("ranking usage persistence failed: %v", err)
		}
		logging.BudgetDebug("ranking call user=%s model=%s cost=%.6f", rc.UserID, model, cost)
	}
}

// enrich runs the full-path stages. None of them can fail the request.
func (p *Pipeline) enrich(ctx context.Context, rc *gate.RequestContext) (intent.Result, capability.Report, prompt.Completeness, []llm.Message) {
	turn := rc.Turn
	text := turn.Latest()
	in := p.deps.Classifier.Classify(text)
	logging.IntentDebug("intent=%s confidence=%.2f", in.Primary, in.Confidence)

	var (
		excerpts []attachment.Excerpt
		images   []attachment.ImageSummary
	)
	if p.deps.Attachments != nil && len(turn.Attachments) > 0 {
		excerpts, images = p.deps.Attachments.ProcessAll(ctx, turn.Attachments)
	}

	var report capability.Report
	if p.deps.Dispatcher != nil {
		report = p.deps.Dispatcher.Dispatch(ctx, capability.DispatchRequest{
			Text:            text,
			History:         turn.UserTexts(),
			Intent:          in,
			Plan:            rc.Plan,
			DiscoverPlugins: turn.Metadata["discover_plugins"] == "true",
			OnModelUsage:    p.chargeRanking(ctx, rc),
		})
	}

	lang := language.Und
	if p.deps.Profiles != nil {
		if tag, ok := p.deps.Profiles.Preferred(rc.UserID); ok {
			lang = tag
		}
	}

	complete := prompt.CheckCompleteness(turn, in)
	var fileTypes []string
	if rc.Plan.FileGeneration.Enabled {
		fileTypes = rc.Plan.FileGeneration.Types
	}
	system := prompt.Synthesize(prompt.Input{
		BasePrompt:   rc.Plan.BasePrompt,
		Language:     lang,
		Completeness: complete,
		Intent:       in,
		Report:       report,
		FileTypes:    fileTypes,
		Excerpts:     excerpts,
		Images:       images,
	})
	logging.PromptDebug("synthesized %d chars for %s", len(system), rc.UserID)

	user := prompt.RenderUserMessage(text, excerpts, prompt.SearchSnippets(report))
	return in, report, complete, prompt.Assemble(system, turn.History(), p.opts.HistoryWindow, user)
}

// deliverFile turns a buffered reply into a file when it carries an
// authorized marker. Otherwise the text stays the response.
func (p *Pipeline) deliverFile(out *Outcome, rc *gate.RequestContext) {
	mk, ok := filegen.Parse(out.Text)
	if !ok {
		return
	}
	f, err := filegen.Render(mk)
	if err != nil {
		logging.StreamWarn("file marker could not be rendered: %v", err)
		out.FileError = "file_render_failed"
		return
	}
	if err := filegen.Authorize(rc.Plan, mk, len(f.Data)); err != nil {
		code, _ := apperr.Public(err)
		out.FileError = code
		return
	}
	out.File = &f
}

// persist appends the user message and the reply. It returns the reply's
// message id, empty when there is no history store or it failed.
func (p *Pipeline) persist(ctx context.Context, rc *gate.RequestContext, text, reply string) string {
	if p.deps.History == nil {
		return ""
	}
	if _, err := p.deps.History.AppendMessage(ctx, rc.ConversationID, rc.UserID, gate.RoleUser, text); err != nil {
		logging.StoreWarn("failed to persist user message: %v", err)
		return ""
	}
	id, err := p.deps.History.AppendMessage(ctx, rc.ConversationID, rc.UserID, gate.RoleAssistant, reply)
	if err != nil {
		logging.StoreWarn("failed to persist reply: %v", err)
		return ""
	}
	return id
}
