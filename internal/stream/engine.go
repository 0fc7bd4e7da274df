// Package stream drives a model call and forwards its output to a sink as
// it arrives.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/budget"
	"chatcore/internal/llm"
	"chatcore/internal/logging"
)

// Sink receives streamed output. Begin is called once, right before the
// first write, so a sink that was never begun can still report an error
// status to its caller.
type Sink interface {
	Begin() error
	Write(p []byte) (int, error)
	Flush() error
}

// Options configures an Engine.
type Options struct {
	Smoothing bool
	ChunkSize int
	Delay     time.Duration
}

// Result describes one completed stream.
type Result struct {
	Text string
	// Usage is the provider's report, or an estimate when UsageReported is
	// false.
	Usage         llm.Usage
	UsageReported bool
	// Truncated is set when the stream ended early after output was sent.
	Truncated bool
	Chunks    int
	FirstByte time.Duration
	Elapsed   time.Duration
}

// Engine runs streamed completions.
type Engine struct {
	client llm.Client
	opts   Options
}

// NewEngine creates an engine over client.
func NewEngine(client llm.Client, opts Options) *Engine {
	return &Engine{client: client, opts: opts}
}

// Client returns the underlying model client.
func (e *Engine) Client() llm.Client { return e.client }

// Run streams req into sink. A failure before any output returns an
// UpstreamModel error and leaves the sink untouched. A failure after output
// ends the stream early and is reported through Result.Truncated.
func (e *Engine) Run(ctx context.Context, req llm.Request, sink Sink) (Result, error) {
	timer := logging.StartTimer(logging.CategoryStream, "Run")
	defer timer.Stop()

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		usageMu  sync.Mutex
		usage    llm.Usage
		reported bool
	)
	prev := req.OnUsage
	req.OnUsage = func(u llm.Usage) {
		usageMu.Lock()
		usage, reported = u, true
		usageMu.Unlock()
		if prev != nil {
			prev(u)
		}
	}

	chunks, errs := e.client.Stream(ctx, req)
	if e.opts.Smoothing {
		chunks = Smooth(ctx, chunks, e.opts.ChunkSize, e.opts.Delay)
	}

	var res Result
	first, ok := firstText(chunks)
	if !ok {
		err := <-errs
		if err == nil {
			err = llm.ErrEmptyReply
		}
		logging.StreamError("stream failed before output: model=%s err=%v", req.Model, err)
		return res, apperr.Upstream(err)
	}
	res.FirstByte = time.Since(start)

	if err := sink.Begin(); err != nil {
		return res, apperr.Upstream(err)
	}

	var text strings.Builder
	send := func(s string) bool {
		text.WriteString(s)
		res.Chunks++
		if _, err := sink.Write([]byte(s)); err != nil {
			logging.StreamWarn("client went away after %d chunks: %v", res.Chunks, err)
			return false
		}
		if err := sink.Flush(); err != nil {
			logging.StreamWarn("flush failed after %d chunks: %v", res.Chunks, err)
			return false
		}
		return true
	}

	alive := send(first)
	for alive {
		ch, more := <-chunks
		if !more {
			break
		}
		if ch.Text == "" {
			continue
		}
		alive = send(ch.Text)
	}

	if !alive {
		cancel()
		res.Truncated = true
	} else if err := <-errs; err != nil {
		logging.StreamWarn("stream truncated after %d chunks: %v", res.Chunks, err)
		res.Truncated = true
	}

	res.Text = text.String()
	usageMu.Lock()
	res.Usage, res.UsageReported = usage, reported
	usageMu.Unlock()
	if !res.UsageReported {
		res.Usage = EstimateUsage(req.Messages, res.Text)
	}
	res.Elapsed = time.Since(start)
	logging.StreamDebug("stream done: chunks=%d first_byte=%v elapsed=%v truncated=%v",
		res.Chunks, res.FirstByte, res.Elapsed, res.Truncated)
	return res, nil
}

// firstText waits for the first non-empty chunk.
func firstText(chunks <-chan llm.Chunk) (string, bool) {
	for ch := range chunks {
		if ch.Text != "" {
			return ch.Text, true
		}
	}
	return "", false
}

// EstimateUsage approximates token counts when the provider reports none.
func EstimateUsage(msgs []llm.Message, reply string) llm.Usage {
	var in int
	for _, m := range msgs {
		in += budget.Estimate(m.Content)
	}
	return llm.Usage{InputTokens: in, OutputTokens: budget.Estimate(reply)}
}
