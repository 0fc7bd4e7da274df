// Package gate validates inbound turns and decides whether they may proceed.
//
// Checks run in a fixed order and stop at the first rejection:
//
//  1. empty content
//  2. cached verdict for (origin, user, model, content)
//  3. fixed-window rate limit
//  4. model eligibility for the caller's plan
//  5. abuse screening (itself cached per user and content)
//
// Every terminal verdict except a validation failure is written back to the
// cache, so retried requests get the same answer.
package gate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"chatcore/internal/abuse"
	"chatcore/internal/apperr"
	"chatcore/internal/cache"
	"chatcore/internal/logging"
	"chatcore/internal/plans"

	"github.com/google/uuid"
)


// Options configures a Gate.
type Options struct {
	Requests     int           // default per-window request budget
	Window       time.Duration // rate-limit window
	TTLs         cache.TTLs
	DefaultModel string
}

// Stats counts gate outcomes.
type Stats struct {
	Evaluated   int64 `json:"evaluated"`
	CacheHits   int64 `json:"cache_hits"`
	Approved    int64 `json:"approved"`
	Rejected    int64 `json:"rejected"`
	AbuseChecks int64 `json:"abuse_checks"`
}

// Gate is the request gate.
type Gate struct {
	cache    cache.Store
	plans    plans.Resolver
	screener abuse.Screener
	opts     Options
	now      func() time.Time
	newID    func() string

	evaluated   atomic.Int64
	cacheHits   atomic.Int64
	approved    atomic.Int64
	rejected    atomic.Int64
	abuseChecks atomic.Int64
}

// New creates a gate.
func New(store cache.Store, resolver plans.Resolver, screener abuse.Screener, opts Options) *Gate {
	if opts.Requests <= 0 {
		opts.Requests = 30
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	return &Gate{
		cache:    store,
		plans:    resolver,
		screener: screener,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Evaluate runs the checks and returns a RequestContext on approval.
// Rejections are *apperr.Error values.
func (g *Gate) Evaluate(ctx context.Context, turn Turn, origin string) (*RequestContext, error) {
	g.evaluated.Add(1)
	timer := logging.StartTimer(logging.CategoryGate, "evaluate")
	defer timer.Stop()

	content := strings.TrimSpace(turn.Latest())
	if content == "" {
		g.rejected.Add(1)
		return nil, apperr.Validation(apperr.CodeEmptyContent, "Message content is empty")
	}

	identity := turn.Identity(origin)
	// Keys hash the whole message; a shared prefix must not share a verdict.
	verdictKey := cache.Key("gate", origin, turn.UserID, turn.Model, content)

	var cached Verdict
	if ok, _ := cache.GetJSON(ctx, g.cache, verdictKey, &cached); ok {
		g.cacheHits.Add(1)
		logging.GateDebug("cached verdict for %s approved=%v", identity, cached.Approved)
		return g.replay(ctx, turn, origin, identity, cached)
	}

	plan, err := g.plans.Resolve(ctx, turn.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, apperr.CodeInternal, "Plan lookup failed", err)
	}

	if rl := g.checkRate(ctx, identity, plan); rl != nil {
		return nil, g.reject(ctx, verdictKey, rl, g.opts.TTLs.RateLimit)
	}

	if !plan.AllowsModel(turn.Model) {
		perr := apperr.Policy(apperr.CodeModelNotAllowed,
			fmt.Sprintf("Model %q is not available on the %s plan", turn.Model, plan.Tier))
		return nil, g.reject(ctx, verdictKey, perr, g.opts.TTLs.ContentVerdict)
	}

	av := g.screen(ctx, turn, identity, content)
	if av.Action == abuse.ActionBlock {
		perr := apperr.Policy(apperr.CodeContentBlocked, "Message was blocked by content screening")
		return nil, g.reject(ctx, verdictKey, perr, g.opts.TTLs.ContentVerdict)
	}

	rc := &RequestContext{
		Turn:           turn,
		UserID:         identity,
		Plan:           plan,
		SessionID:      orNew(turn.SessionID, g.newID),
		ConversationID: orNew(turn.ConversationID, g.newID),
		Model:          plan.ResolveModel(turn.Model, g.opts.DefaultModel),
		Origin:         origin,
		StartedAt:      g.now(),
		Abuse:          av,
	}
	verdict := Verdict{
		Approved:       true,
		Tier:           plan.Tier,
		SessionID:      rc.SessionID,
		ConversationID: rc.ConversationID,
		Model:          rc.Model,
		Abuse:          av,
	}
	if err := cache.SetJSON(ctx, g.cache, verdictKey, verdict, g.opts.TTLs.Approval); err != nil {
		logging.GateWarn("caching approval failed: %v", err)
	}
	g.approved.Add(1)
	logging.GateDebug("approved %s tier=%s model=%s", identity, plan.Tier, rc.Model)
	return rc, nil
}

// Stats returns a snapshot of the counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Evaluated:   g.evaluated.Load(),
		CacheHits:   g.cacheHits.Load(),
		Approved:    g.approved.Load(),
		Rejected:    g.rejected.Load(),
		AbuseChecks: g.abuseChecks.Load(),
	}
}

func (g *Gate) replay(ctx context.Context, turn Turn, origin, identity string, v Verdict) (*RequestContext, error) {
	if !v.Approved {
		g.rejected.Add(1)
		return nil, v.Err()
	}
	plan, err := g.plans.Resolve(ctx, turn.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, apperr.CodeInternal, "Plan lookup failed", err)
	}
	g.approved.Add(1)
	return &RequestContext{
		Turn:           turn,
		UserID:         identity,
		Plan:           plan,
		SessionID:      v.SessionID,
		ConversationID: v.ConversationID,
		Model:          v.Model,
		Origin:         origin,
		StartedAt:      g.now(),
		Abuse:          v.Abuse,
		Replayed:       true,
	}, nil
}

func (g *Gate) checkRate(ctx context.Context, identity string, plan plans.Plan) *apperr.Error {
	limit := g.opts.Requests
	if plan.RateLimit > 0 {
		limit = plan.RateLimit
	}
	now := g.now()
	window := g.opts.Window
	index := now.UnixNano() / int64(window)
	key := cache.Key("rate", identity, strconv.FormatInt(index, 10))

	count, err := g.cache.Increment(ctx, key, 1, window)
	if err != nil {
		logging.GateWarn("rate counter unavailable, allowing: %v", err)
		return nil
	}
	if count <= int64(limit) {
		return nil
	}
	windowEnd := time.Unix(0, (index+1)*int64(window))
	retry := windowEnd.Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	logging.Gate("rate limited %s count=%d limit=%d retry=%s", identity, count, limit, retry)
	return apperr.RateLimited(retry)
}

func (g *Gate) screen(ctx context.Context, turn Turn, identity, content string) abuse.Verdict {
	key := cache.Key("abuse", identity, content)
	var v abuse.Verdict
	if ok, _ := cache.GetJSON(ctx, g.cache, key, &v); ok {
		return v
	}
	g.abuseChecks.Add(1)
	v, err := g.screener.Screen(ctx, content, turn.UserTexts())
	if err != nil {
		// Screening is advisory when the classifier itself fails.
		logging.GateWarn("abuse screening failed for %s: %v", identity, err)
		return abuse.Verdict{Action: abuse.ActionAllow}
	}
	if v.Action == abuse.ActionFlag {
		logging.Gate("flagged content from %s score=%.2f reasons=%v", identity, v.Score, v.Reasons)
	}
	if err := cache.SetJSON(ctx, g.cache, key, v, g.opts.TTLs.Abuse); err != nil {
		logging.GateWarn("caching abuse verdict failed: %v", err)
	}
	return v
}

func (g *Gate) reject(ctx context.Context, key string, err *apperr.Error, ttl time.Duration) error {
	g.rejected.Add(1)
	if cerr := cache.SetJSON(ctx, g.cache, key, rejection(err), ttl); cerr != nil {
		logging.GateWarn("caching rejection failed: %v", cerr)
	}
	return err
}

func orNew(id string, gen func() string) string {
	if id != "" {
		return id
	}
	return gen()
}
