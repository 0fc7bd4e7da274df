// Package llm defines the model-invocation collaborator and its providers.
//
// Every provider streams: Stream returns a chunk channel and an error
// channel. The chunk channel closes when the reply ends; the error channel
// carries at most one error and then closes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token consumption reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a streaming completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// OnUsage receives the provider's usage report, if any, before the chunk
	// channel closes.
	OnUsage func(Usage)
}

// Chunk is one incremental piece of output.
type Chunk struct {
	Text string
}

// Client streams completions.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
	Name() string
}

var (
	// ErrNoAPIKey is returned by providers constructed without credentials.
	ErrNoAPIKey = errors.New("API key not configured")

	// ErrEmptyReply is returned by Complete when the model produced nothing.
	ErrEmptyReply = errors.New("model returned an empty reply")
)

// StatusError is a non-200 upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.Code, e.Body)
}

// Complete drains a stream into a string.
func Complete(ctx context.Context, c Client, req Request) (string, error) {
	chunks, errs := c.Stream(ctx, req)
	var b strings.Builder
	for ch := range chunks {
		b.WriteString(ch.Text)
	}
	if err := <-errs; err != nil {
		return b.String(), err
	}
	if b.Len() == 0 {
		return "", ErrEmptyReply
	}
	return b.String(), nil
}

func report(req Request, u Usage) {
	if req.OnUsage != nil {
		req.OnUsage(u)
	}
}
