package stream

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"chatcore/internal/llm"
)

// DefaultChunkSize is used when smoothing is enabled without a size.
const DefaultChunkSize = 24

// Smooth re-chunks text deltas into pieces of at most size runes, waiting
// delay between pieces. The first piece is never delayed. Empty chunks pass
// through as they are and the output closes when in closes.
func Smooth(ctx context.Context, in <-chan llm.Chunk, size int, delay time.Duration) <-chan llm.Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		sent := false
		emit := func(c llm.Chunk) bool {
			if sent && delay > 0 && c.Text != "" {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return false
				}
			}
			select {
			case out <- c:
				sent = sent || c.Text != ""
				return true
			case <-ctx.Done():
				return false
			}
		}
		for c := range in {
			if c.Text == "" {
				if !emit(c) {
					return
				}
				continue
			}
			for _, piece := range split(c.Text, size) {
				if !emit(llm.Chunk{Text: piece}) {
					return
				}
			}
		}
	}()
	return out
}

func split(s string, size int) []string {
	runes := []rune(s)
	if len(runes) <= size {
		return []string{s}
	}
	out := make([]string, 0, len(runes)/size+1)
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// Buffer is a Sink that keeps everything in memory. It backs replies that
// must be inspected before anything is sent, such as generated files.
type Buffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	began   bool
	flushes int
}

func (b *Buffer) Begin() error {
	b.mu.Lock()
	b.began = true
	b.mu.Unlock()
	return nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) Flush() error {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
	return nil
}

// Began reports whether Begin was called.
func (b *Buffer) Began() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.began
}

// Flushes returns how many times Flush was called.
func (b *Buffer) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// String returns the buffered text.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// HTTPSink streams to an http.ResponseWriter. OnBegin runs right before
// the status line is written, which is the last chance to set headers.
type HTTPSink struct {
	W       http.ResponseWriter
	OnBegin func(h http.Header)

	rc *http.ResponseController
}

func (s *HTTPSink) Begin() error {
	s.rc = http.NewResponseController(s.W)
	if s.OnBegin != nil {
		s.OnBegin(s.W.Header())
	}
	s.W.WriteHeader(http.StatusOK)
	return nil
}

func (s *HTTPSink) Write(p []byte) (int, error) { return s.W.Write(p) }

func (s *HTTPSink) Flush() error {
	if s.rc == nil {
		s.rc = http.NewResponseController(s.W)
	}
	return s.rc.Flush()
}
