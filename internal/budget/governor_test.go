package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatcore/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	records []UsageRecord
	err     error
}

func (r *recorder) RecordUsage(_ context.Context, rec UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func testPricing() Pricing {
	return NewPricing(map[string]Price{"m": {Input: 1, Output: 2}}, Price{Input: 0.5, Output: 0.5})
}

func newTestGovernor(opts ...Option) (*Governor, *clock) {
	c := &clock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	return NewGovernor(testPricing(), append([]Option{WithClock(c.Now)}, opts...)...), c
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("hi"))
	assert.Equal(t, 2, Estimate("hello"))
	assert.Equal(t, 1, Estimate("日本語"))

	in, out := EstimateCall("12345678")
	assert.Equal(t, 2, in)
	assert.Equal(t, 4, out)
}

func TestCost(t *testing.T) {
	g, _ := newTestGovernor()
	assert.InDelta(t, 3.0, g.Cost("m", 1000, 1000), 1e-9)
	assert.InDelta(t, 1.0, g.Cost("unknown", 1000, 1000), 1e-9)
}

func TestDailyLimitExceeded(t *testing.T) {
	g, _ := newTestGovernor()
	limits := Limits{Daily: 1, Monthly: 10}
	g.Seed("u", 1, 1)

	before := g.Snapshot("u")
	d := g.Reserve("u", limits, 0.01)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDaily, d.Reason)
	assert.Equal(t, before, g.Snapshot("u"), "a denied reservation must not touch the ledger")

	err := d.Err()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPolicy, apperr.CodeBudgetExceeded))
	_, msg := apperr.Public(err)
	assert.Equal(t, "Daily cost limit exceeded", msg)
}

func TestMonthlyLimitExceeded(t *testing.T) {
	g, _ := newTestGovernor()
	g.Seed("u", 0, 5)
	d := g.CheckLimits("u", Limits{Daily: 1, Monthly: 5}, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMonthly, d.Reason)
}

func TestStrictMode(t *testing.T) {
	lenient, _ := newTestGovernor()
	strict, _ := newTestGovernor(WithStrict(true))
	limits := Limits{Daily: 1}
	lenient.Seed("u", 0.9, 0.9)
	strict.Seed("u", 0.9, 0.9)

	assert.True(t, lenient.CheckLimits("u", limits, 0.5).Allowed)
	assert.False(t, strict.CheckLimits("u", limits, 0.5).Allowed)
	assert.True(t, strict.CheckLimits("u", limits, 0.05).Allowed)
}

func TestReserveRecordRelease(t *testing.T) {
	rec := &recorder{}
	g, _ := newTestGovernor(WithRecorder(rec))
	limits := Limits{Daily: 10, Monthly: 10}

	require.True(t, g.Reserve("u", limits, 0.5).Allowed)
	assert.InDelta(t, 0.5, g.Snapshot("u").DailyReserved, 1e-9)

	cost, err := g.Record(context.Background(), Charge{
		UserID: "u", Model: "m", InputTokens: 100, OutputTokens: 50,
		ConversationID: "c1", MessageID: "m1", Reserved: 0.5,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, cost, 1e-9)

	snap := g.Snapshot("u")
	assert.InDelta(t, 0.2, snap.DailyConsumed, 1e-9)
	assert.InDelta(t, 0, snap.DailyReserved, 1e-9)
	require.Len(t, rec.records, 1)
	assert.Equal(t, "c1", rec.records[0].ConversationID)

	require.True(t, g.Reserve("u", limits, 1).Allowed)
	g.Release("u", 1)
	assert.InDelta(t, 0, g.Snapshot("u").DailyReserved, 1e-9)
	assert.InDelta(t, 0.2, g.Snapshot("u").DailyConsumed, 1e-9)

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.Total.Calls)
	assert.Equal(t, int64(150), stats.ByModel["m"].Total)
}

func TestRecordReturnsRecorderError(t *testing.T) {
	rec := &recorder{err: errors.New("disk full")}
	g, _ := newTestGovernor(WithRecorder(rec))
	_, err := g.Record(context.Background(), Charge{UserID: "u", Model: "m", InputTokens: 10})
	assert.Error(t, err)
	assert.Greater(t, g.Snapshot("u").DailyConsumed, 0.0, "ledger is updated even if persistence fails")
}

func TestConcurrentReserveBoundsOvershoot(t *testing.T) {
	g, _ := newTestGovernor(WithStrict(true))
	limits := Limits{Daily: 1}

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Reserve("u", limits, 0.1).Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, granted, 10)
	assert.GreaterOrEqual(t, granted, 9)
	assert.LessOrEqual(t, g.Snapshot("u").DailyReserved, 1.0+1e-9)
}

func TestWindowRollover(t *testing.T) {
	g, c := newTestGovernor()
	limits := Limits{Daily: 1, Monthly: 100}
	g.Seed("u", 1, 1)
	assert.False(t, g.CheckLimits("u", limits, 0).Allowed)

	c.Set(time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC))
	assert.True(t, g.CheckLimits("u", limits, 0).Allowed)
	snap := g.Snapshot("u")
	assert.Equal(t, "2026-03-15", snap.Day)
	assert.InDelta(t, 0, snap.DailyConsumed, 1e-9)
	assert.InDelta(t, 1, snap.MonthlyConsumed, 1e-9)
}

func TestSweep(t *testing.T) {
	g, _ := newTestGovernor()
	g.Seed("u", 1, 1)
	assert.Equal(t, 0, g.Sweep(time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, g.Sweep(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSweptLedgerIsNotReused(t *testing.T) {
	g, c := newTestGovernor()
	limits := Limits{Daily: 10, Monthly: 10}
	g.Seed("u", 1, 1)

	// A request that looked the ledger up just before the sweep.
	held := g.entry("u")
	c.Set(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	require.Equal(t, 1, g.Sweep(c.Now()))
	assert.True(t, held.retired)

	l := g.locked("u")
	l.mu.Unlock()
	assert.NotSame(t, held, l)

	require.True(t, g.Reserve("u", limits, 0.25).Allowed)
	snap := g.Snapshot("u")
	assert.InDelta(t, 0.25, snap.MonthlyReserved, 1e-9)
	assert.InDelta(t, 0, snap.MonthlyConsumed, 1e-9)
	assert.Equal(t, "2026-04", snap.Month)
}
