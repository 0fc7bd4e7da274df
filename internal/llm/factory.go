package llm

import (
	"context"
	"fmt"
	"time"

	"chatcore/internal/config"
	"chatcore/internal/logging"
)

// NewFromConfig builds the configured provider.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Client, error) {
	timeout := cfg.GetLLMTimeout()
	switch cfg.LLM.Provider {
	case "openai":
		logging.LLM("using openai provider at %s model=%s", cfg.LLM.BaseURL, cfg.LLM.Model)
		return NewOpenAIClient(OpenAIConfig{
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			Timeout:    timeout,
			MaxRetries: 3,
		}), nil
	case "gemini":
		logging.LLM("using gemini provider model=%s", cfg.LLM.Model)
		return NewGeminiClient(ctx, cfg.LLM.APIKey, timeout)
	case "scripted", "":
		logging.LLM("using scripted echo provider")
		return &Scripted{Delay: 5 * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
