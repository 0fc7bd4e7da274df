package gate

import (
	"strings"
	"time"

	"chatcore/internal/abuse"
	"chatcore/internal/apperr"
	"chatcore/internal/attachment"
	"chatcore/internal/plans"
)

// Roles used in message history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is the immutable input of one request.
type Turn struct {
	Messages       []Message
	Attachments    []attachment.Attachment
	Model          string
	SessionID      string
	ConversationID string
	UserID         string
	Metadata       map[string]string
	AcceptLanguage string
}

// Latest returns the content of the last user message.
func (t Turn) Latest() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser || t.Messages[i].Role == "" {
			return t.Messages[i].Content
		}
	}
	return ""
}

// History returns every message before the last user message.
func (t Turn) History() []Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser || t.Messages[i].Role == "" {
			return t.Messages[:i]
		}
	}
	return t.Messages
}

// UserTexts returns the content of prior user messages, oldest first.
func (t Turn) UserTexts() []string {
	var out []string
	for _, m := range t.History() {
		if m.Role == RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}

// Identity is the rate-limit and ledger identity of the caller.
func (t Turn) Identity(origin string) string {
	if t.UserID != "" {
		return t.UserID
	}
	if origin == "" {
		origin = "unknown"
	}
	return "anon:" + strings.TrimSpace(origin)
}

// RequestContext is the per-request state derived from an approved turn.
type RequestContext struct {
	Turn           Turn
	UserID         string
	Plan           plans.Plan
	SessionID      string
	ConversationID string
	Model          string
	Origin         string
	StartedAt      time.Time
	Abuse          abuse.Verdict
	// Replayed is set when the approval came from the verdict cache.
	Replayed bool
}

// Verdict is a cached gate decision.
type Verdict struct {
	Approved       bool          `json:"approved"`
	Kind           apperr.Kind   `json:"kind,omitempty"`
	Code           string        `json:"code,omitempty"`
	Message        string        `json:"message,omitempty"`
	RetryAfter     time.Duration `json:"retry_after,omitempty"`
	Tier           string        `json:"tier,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Model          string        `json:"model,omitempty"`
	Abuse          abuse.Verdict `json:"abuse"`
}

// Err rebuilds the rejection carried by the verdict.
func (v Verdict) Err() error {
	if v.Approved {
		return nil
	}
	return &apperr.Error{Kind: v.Kind, Code: v.Code, Message: v.Message, RetryAfter: v.RetryAfter}
}

func rejection(err *apperr.Error) Verdict {
	return Verdict{Kind: err.Kind, Code: err.Code, Message: err.Message, RetryAfter: err.RetryAfter}
}
