package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Scripted is a deterministic client. It replays Chunks, or echoes the last
// user message word by word when Chunks is empty.
type Scripted struct {
	Chunks []string
	// FailBefore is returned before any output.
	FailBefore error
	// FailAfter > 0 returns FailErr after that many chunks.
	FailAfter int
	FailErr   error
	// Delay is waited before each chunk.
	Delay time.Duration
	// Usage, when set, is reported to Request.OnUsage.
	Usage *Usage

	mu       sync.Mutex
	requests []Request
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)

		if s.FailBefore != nil {
			errs <- s.FailBefore
			return
		}
		parts := s.Chunks
		if len(parts) == 0 {
			parts = echo(req)
		}
		for i, p := range parts {
			if s.FailAfter > 0 && i == s.FailAfter {
				errs <- s.FailErr
				return
			}
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			select {
			case chunks <- Chunk{Text: p}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if s.Usage != nil {
			report(req, *s.Usage)
		}
	}()
	return chunks, errs
}

// Calls returns how many requests were streamed.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// LastRequest returns the most recent request.
func (s *Scripted) LastRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}, false
	}
	return s.requests[len(s.requests)-1], true
}

func echo(req Request) []string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	words := strings.Fields(last)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out = append(out, w)
	}
	return out
}
