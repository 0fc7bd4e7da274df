package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatcore/internal/logging"
)

// OpenAIConfig configures an OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// Backoff returns the wait before retry attempt n (n >= 1).
	Backoff func(attempt int) time.Duration
}

// OpenAIClient speaks the OpenAI chat completions SSE protocol.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    func(int) time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenAIClient creates a client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration { return time.Duration(1<<uint(attempt-1)) * time.Second }
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   float64              `json:"temperature"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends the request and forwards deltas as they arrive. 429s and
// transport failures are retried only before the stream begins.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		start := time.Now()

		if c.apiKey == "" {
			errs <- ErrNoAPIKey
			return
		}

		c.throttle()

		body, err := json.Marshal(openAIRequest{
			Model:         req.Model,
			Messages:      req.Messages,
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			Stream:        true,
			StreamOptions: &openAIStreamOptions{IncludeUsage: true},
		})
		if err != nil {
			errs <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		var lastErr error
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(c.backoff(attempt)):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}

			resp, err := c.send(ctx, body)
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				continue
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				msg, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				lastErr = &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
				logging.LLMWarn("openai rate limited, attempt %d/%d", attempt+1, c.maxRetries+1)
				continue
			}
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				errs <- &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
				return
			}

			err = c.consume(ctx, resp.Body, req, chunks)
			resp.Body.Close()
			if err != nil {
				logging.LLMError("openai stream error after %v: %v", time.Since(start), err)
				errs <- err
				return
			}
			logging.LLMDebug("openai stream completed in %v", time.Since(start))
			return
		}
		errs <- fmt.Errorf("max retries exceeded: %w", lastErr)
	}()

	return chunks, errs
}

func (c *OpenAIClient) send(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *OpenAIClient) consume(ctx context.Context, body io.Reader, req Request, out chan<- Chunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			report(req, Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens})
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil && chunk.Choices[0].Delta.Content != "" {
			select {
			case out <- Chunk{Text: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

// throttle keeps at least 100ms between request starts.
func (c *OpenAIClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
}
