// Package budget prices model calls and enforces per-user daily and monthly
// cost ceilings.
package budget

import (
	"context"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"chatcore/internal/apperr"
	"chatcore/internal/config"
	"chatcore/internal/logging"
)

// Pricing is a per-model price table with a fallback entry.
type Pricing struct {
	table    map[string]Price
	fallback Price
}

// NewPricing builds a table. Unknown models are priced at fallback.
func NewPricing(table map[string]Price, fallback Price) Pricing {
	t := make(map[string]Price, len(table))
	for k, v := range table {
		t[k] = v
	}
	return Pricing{table: t, fallback: fallback}
}

// PricingFromConfig converts the budget config section.
func PricingFromConfig(cfg config.BudgetConfig) Pricing {
	t := make(map[string]Price, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		t[model] = Price{Input: p.Input, Output: p.Output}
	}
	return NewPricing(t, Price{Input: cfg.DefaultPricing.Input, Output: cfg.DefaultPricing.Output})
}

// For returns the price for model.
func (p Pricing) For(model string) Price {
	if price, ok := p.table[model]; ok {
		return price
	}
	return p.fallback
}

// Estimate approximates the token count of text at four runes per token.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateCall returns the conservative pre-call input and output token
// estimate; output is assumed to be twice the input.
func EstimateCall(input string) (in, out int) {
	in = Estimate(input)
	return in, 2 * in
}

type ledger struct {
	mu              sync.Mutex
	day             string
	month           string
	dailyConsumed   float64
	monthlyConsumed float64
	dailyReserved   float64
	monthlyReserved float64
	retired         bool // removed by Sweep; callers holding it must look up again
}

func (l *ledger) roll(now time.Time) {
	day, month := windows(now)
	if l.month != month {
		l.month = month
		l.monthlyConsumed = 0
		l.monthlyReserved = 0
	}
	if l.day != day {
		l.day = day
		l.dailyConsumed = 0
		l.dailyReserved = 0
	}
}

func (l *ledger) check(limits Limits, proposed float64, strict bool) Decision {
	if d := checkWindow(l.dailyConsumed+l.dailyReserved, limits.Daily, proposed, strict); !d {
		return Decision{Reason: ReasonDaily, Window: "daily"}
	}
	if d := checkWindow(l.monthlyConsumed+l.monthlyReserved, limits.Monthly, proposed, strict); !d {
		return Decision{Reason: ReasonMonthly, Window: "monthly"}
	}
	return Decision{Allowed: true}
}

func checkWindow(used, ceiling, proposed float64, strict bool) bool {
	if ceiling <= 0 {
		return true
	}
	if used >= ceiling {
		return false
	}
	if strict && used+proposed > ceiling {
		return false
	}
	return true
}

func windows(now time.Time) (day, month string) {
	u := now.UTC()
	return u.Format("2006-01-02"), u.Format("2006-01")
}

// Option configures a Governor.
type Option func(*Governor)

// WithStrict makes limit checks also deny calls whose estimate would cross
// a ceiling.
func WithStrict(strict bool) Option { return func(g *Governor) { g.strict = strict } }

// WithRecorder persists every recorded charge.
func WithRecorder(r UsageRecorder) Option { return func(g *Governor) { g.recorder = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(g *Governor) { g.now = now } }

// Governor owns the per-user ledgers.
type Governor struct {
	pricing  Pricing
	strict   bool
	recorder UsageRecorder
	now      func() time.Time

	mu      sync.Mutex
	ledgers map[string]*ledger

	statsMu sync.Mutex
	stats   AggregatedStats
}

// NewGovernor creates a governor.
func NewGovernor(pricing Pricing, opts ...Option) *Governor {
	g := &Governor{
		pricing: pricing,
		now:     time.Now,
		ledgers: make(map[string]*ledger),
		stats:   AggregatedStats{ByModel: make(map[string]TokenCounts)},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Cost prices a call.
func (g *Governor) Cost(model string, inputTokens, outputTokens int) float64 {
	p := g.pricing.For(model)
	cost := float64(inputTokens)/1000*p.Input + float64(outputTokens)/1000*p.Output
	return math.Round(cost*1e8) / 1e8
}

func (g *Governor) entry(userID string) *ledger {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.ledgers[userID]
	if !ok {
		l = &ledger{}
		g.ledgers[userID] = l
	}
	return l
}

// locked returns userID's ledger, locked and rolled to the current windows.
func (g *Governor) locked(userID string) *ledger {
	for {
		l := g.entry(userID)
		l.mu.Lock()
		if !l.retired {
			l.roll(g.now())
			return l
		}
		l.mu.Unlock()
	}
}

// CheckLimits reports whether userID may spend proposed more. It never
// mutates the ledger.
func (g *Governor) CheckLimits(userID string, limits Limits, proposed float64) Decision {
	l := g.locked(userID)
	defer l.mu.Unlock()
	return l.check(limits, proposed, g.strict)
}

// Reserve checks limits and, if allowed, holds amount against both windows
// in one step. A denied reservation leaves the ledger untouched.
func (g *Governor) Reserve(userID string, limits Limits, amount float64) Decision {
	l := g.locked(userID)
	defer l.mu.Unlock()
	d := l.check(limits, amount, g.strict)
	if !d.Allowed {
		logging.Budget("denied user=%s reason=%q daily=%.4f monthly=%.4f", userID, d.Reason, l.dailyConsumed, l.monthlyConsumed)
		return d
	}
	l.dailyReserved += amount
	l.monthlyReserved += amount
	return d
}

// Release drops a reservation whose call produced no billable output.
func (g *Governor) Release(userID string, amount float64) {
	l := g.locked(userID)
	defer l.mu.Unlock()
	l.release(amount)
}

func (l *ledger) release(amount float64) {
	l.dailyReserved = math.Max(0, l.dailyReserved-amount)
	l.monthlyReserved = math.Max(0, l.monthlyReserved-amount)
}

// Record releases the charge's reservation and adds its actual cost. The
// returned cost is what was booked.
func (g *Governor) Record(ctx context.Context, c Charge) (float64, error) {
	cost := g.Cost(c.Model, c.InputTokens, c.OutputTokens)
	now := g.now()

	l := g.locked(c.UserID)
	l.release(c.Reserved)
	l.dailyConsumed += cost
	l.monthlyConsumed += cost
	l.mu.Unlock()

	g.statsMu.Lock()
	g.stats.Total.add(c.InputTokens, c.OutputTokens, cost)
	tc := g.stats.ByModel[c.Model]
	tc.add(c.InputTokens, c.OutputTokens, cost)
	g.stats.ByModel[c.Model] = tc
	g.statsMu.Unlock()

	logging.BudgetDebug("recorded user=%s model=%s in=%d out=%d cost=%.6f", c.UserID, c.Model, c.InputTokens, c.OutputTokens, cost)

	if g.recorder == nil {
		return cost, nil
	}
	err := g.recorder.RecordUsage(ctx, UsageRecord{
		UserID:         c.UserID,
		Model:          c.Model,
		InputTokens:    c.InputTokens,
		OutputTokens:   c.OutputTokens,
		Cost:           cost,
		ConversationID: c.ConversationID,
		MessageID:      c.MessageID,
		CreatedAt:      now,
	})
	return cost, err
}

// Seed sets the consumed totals for the current windows, used to restore
// ledgers from persisted usage after a restart. It never lowers a total.
func (g *Governor) Seed(userID string, daily, monthly float64) {
	l := g.locked(userID)
	defer l.mu.Unlock()
	l.dailyConsumed = math.Max(l.dailyConsumed, daily)
	l.monthlyConsumed = math.Max(l.monthlyConsumed, monthly)
}

// Snapshot returns the user's current ledger.
func (g *Governor) Snapshot(userID string) LedgerEntry {
	l := g.locked(userID)
	defer l.mu.Unlock()
	return LedgerEntry{
		UserID:          userID,
		Day:             l.day,
		Month:           l.month,
		DailyConsumed:   l.dailyConsumed,
		MonthlyConsumed: l.monthlyConsumed,
		DailyReserved:   l.dailyReserved,
		MonthlyReserved: l.monthlyReserved,
	}
}

// Sweep drops ledgers whose month window has passed. It returns how many
// were removed.
func (g *Governor) Sweep(now time.Time) int {
	_, month := windows(now)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, l := range g.ledgers {
		l.mu.Lock()
		stale := l.month != month
		if stale {
			l.retired = true
		}
		l.mu.Unlock()
		if stale {
			delete(g.ledgers, id)
			removed++
		}
	}
	return removed
}

// Stats returns a copy of the aggregated usage counters.
func (g *Governor) Stats() AggregatedStats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	out := AggregatedStats{Total: g.stats.Total, ByModel: make(map[string]TokenCounts, len(g.stats.ByModel))}
	for k, v := range g.stats.ByModel {
		out.ByModel[k] = v
	}
	return out
}

// Err converts a denial into the caller-facing policy error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.Policy(apperr.CodeBudgetExceeded, d.Reason)
}
