package budget

import (
	"context"
	"time"
)

// Price is a USD rate per 1K tokens.
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Limits are the cost ceilings for one user. Zero means unlimited.
type Limits struct {
	Daily   float64
	Monthly float64
}

// Decision is the result of a limit check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Window  string `json:"window,omitempty"` // daily or monthly
}

// Denial reasons.
const (
	ReasonDaily   = "Daily cost limit exceeded"
	ReasonMonthly = "Monthly cost limit exceeded"
)

// Charge is the actual consumption of one completed model call.
type Charge struct {
	UserID         string
	Model          string
	InputTokens    int
	OutputTokens   int
	ConversationID string
	MessageID      string
	// Reserved is the amount held by Reserve for this call; Record releases it.
	Reserved float64
}

// LedgerEntry is a point-in-time view of a user's ledger.
type LedgerEntry struct {
	UserID          string  `json:"user_id"`
	Day             string  `json:"day"`
	Month           string  `json:"month"`
	DailyConsumed   float64 `json:"daily_consumed"`
	MonthlyConsumed float64 `json:"monthly_consumed"`
	DailyReserved   float64 `json:"daily_reserved"`
	MonthlyReserved float64 `json:"monthly_reserved"`
}

// UsageRecord is one persisted usage row.
type UsageRecord struct {
	UserID         string
	Model          string
	InputTokens    int
	OutputTokens   int
	Cost           float64
	ConversationID string
	MessageID      string
	CreatedAt      time.Time
}

// UsageRecorder persists usage records.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Calls  int64   `json:"calls"`
	Cost   float64 `json:"cost_usd"`
}

func (tc *TokenCounts) add(input, output int, cost float64) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Calls++
	tc.Cost += cost
}

// AggregatedStats holds counters broken down by model.
type AggregatedStats struct {
	Total   TokenCounts            `json:"total"`
	ByModel map[string]TokenCounts `json:"by_model"`
}
