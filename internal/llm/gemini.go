package llm

import (
	"context"
	"fmt"
	"time"

	"chatcore/internal/logging"

	"google.golang.org/genai"
)

// GeminiClient streams through the Google GenAI SDK.
type GeminiClient struct {
	client  *genai.Client
	timeout time.Duration
}

// NewGeminiClient creates a client for the Gemini API.
func NewGeminiClient(ctx context.Context, apiKey string, timeout time.Duration) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiClient{client: client, timeout: timeout}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

// Stream forwards GenerateContentStream responses as chunks.
func (c *GeminiClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
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

		contents, cfg := geminiContents(req)
		var usage Usage
		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				logging.LLMError("gemini stream error after %v: %v", time.Since(start), err)
				errs <- fmt.Errorf("gemini stream: %w", err)
				return
			}
			if resp.UsageMetadata != nil {
				usage = Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case chunks <- Chunk{Text: text}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if usage != (Usage{}) {
			report(req, usage)
		}
		logging.LLMDebug("gemini stream completed in %v", time.Since(start))
	}()

	return chunks, errs
}

// geminiContents maps chat messages onto GenAI contents. System messages
// become the system instruction and assistant turns use the model role.
func geminiContents(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var system string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return contents, cfg
}
