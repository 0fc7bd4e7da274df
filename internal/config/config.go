// Package config loads chatcore configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatcore/internal/cache"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Pipeline modes.
const (
	ModeFast = "fast"
	ModeFull = "full"
)

// Capability ranking strategies.
const (
	RankingModel     = "model"
	RankingHeuristic = "heuristic"
)

// Config holds all chatcore configuration.
type Config struct {
	Name string `yaml:"name"`

	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	LLM        LLMConfig        `yaml:"llm"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Capability CapabilityConfig `yaml:"capability"`
	Budget     BudgetConfig     `yaml:"budget"`
	Plans      PlansConfig      `yaml:"plans"`
	Background BackgroundConfig `yaml:"background"`
	Profile    ProfileConfig    `yaml:"profile"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ReadHeaderTimeout string `yaml:"read_header_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
}

// PipelineConfig selects the response path and its knobs.
type PipelineConfig struct {
	Mode           string          `yaml:"mode"` // fast or full
	HistoryWindow  int             `yaml:"history_window"`
	FastWindow     int             `yaml:"fast_window"`
	RequestTimeout string          `yaml:"request_timeout"`
	Smoothing      SmoothingConfig `yaml:"smoothing"`
}

// SmoothingConfig configures presentation re-chunking of model deltas.
type SmoothingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ChunkSize int    `yaml:"chunk_size"` // runes per emitted piece
	Delay     string `yaml:"delay"`
}

// LLMConfig configures the upstream model client.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai, gemini, scripted
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// RankerModel is used for capability relevance ranking. Empty means
	// Model.
	RankerModel string `yaml:"ranker_model"`
}

// CacheConfig configures the shared cache.
type CacheConfig struct {
	Capacity        int       `yaml:"capacity"`
	CleanupInterval string    `yaml:"cleanup_interval"`
	HealthEvery     int       `yaml:"health_every"` // health check every Nth operation
	TTL             TTLConfig `yaml:"ttl"`
}

// TTLConfig carries the cache TTL tiers.
type TTLConfig struct {
	RateLimit        string `yaml:"rate_limit"`
	Approval         string `yaml:"approval"`
	ContentVerdict   string `yaml:"content_verdict"`
	Abuse            string `yaml:"abuse"`
	Analysis         string `yaml:"analysis"`
	Derived          string `yaml:"derived"`
	BackgroundMarker string `yaml:"background_marker"`
}

// RateLimitConfig configures the fixed-window limiter defaults. Plans may
// override Requests.
type RateLimitConfig struct {
	Requests int    `yaml:"requests"`
	Window   string `yaml:"window"`
}

// CapabilityConfig configures discovery and dispatch.
type CapabilityConfig struct {
	ToolThreshold   float64 `yaml:"tool_threshold"`
	PluginThreshold float64 `yaml:"plugin_threshold"`
	Timeout         string  `yaml:"timeout"`
	MaxConcurrency  int     `yaml:"max_concurrency"`
	SearchEndpoint  string  `yaml:"search_endpoint"`
	RankTimeout     string  `yaml:"rank_timeout"`
	// Ranking is "model" or "heuristic". The model ranker falls back to the
	// keyword heuristic whenever its reply is unusable.
	Ranking string `yaml:"ranking"`
}

// BudgetConfig configures pricing and limit enforcement.
type BudgetConfig struct {
	// Pricing maps model name to USD per 1K tokens.
	Pricing        map[string]PriceConfig `yaml:"pricing"`
	DefaultPricing PriceConfig            `yaml:"default_pricing"`
	// Strict also denies requests whose estimate would cross the ceiling.
	Strict bool `yaml:"strict"`
}

// PriceConfig is a per-1K-token price pair.
type PriceConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// PlansConfig defines plan tiers and user assignments.
type PlansConfig struct {
	Default string                `yaml:"default"`
	Tiers   map[string]PlanConfig `yaml:"tiers"`
	Users   map[string]string     `yaml:"users"` // user id -> tier
}

// PlanConfig holds per-tier limits.
type PlanConfig struct {
	AllowedModels    []string             `yaml:"allowed_models"`
	DefaultModel     string               `yaml:"default_model"`
	DailyCostLimit   float64              `yaml:"daily_cost_limit"`
	MonthlyCostLimit float64              `yaml:"monthly_cost_limit"`
	RateLimit        int                  `yaml:"rate_limit"`
	Capabilities     []string             `yaml:"capabilities"`
	BasePrompt       string               `yaml:"base_prompt"`
	FileGeneration   FileGenerationConfig `yaml:"file_generation"`
}

// FileGenerationConfig gates the file-generation response.
type FileGenerationConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Types    []string `yaml:"types"`
	MaxBytes int      `yaml:"max_bytes"`
}

// BackgroundConfig configures the post-response task dispatcher.
type BackgroundConfig struct {
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
	TaskTimeout string `yaml:"task_timeout"`
}

// ProfileConfig bounds the personalization profile cache.
type ProfileConfig struct {
	MaxUsers int    `yaml:"max_users"`
	IdleTTL  string `yaml:"idle_ttl"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "chatcore",

		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: "10s",
			ShutdownTimeout:   "15s",
			MaxBodyBytes:      8 << 20,
		},

		Pipeline: PipelineConfig{
			Mode:           ModeFull,
			HistoryWindow:  10,
			FastWindow:     4,
			RequestTimeout: "120s",
			Smoothing: SmoothingConfig{
				Enabled:   false,
				ChunkSize: 24,
				Delay:     "15ms",
			},
		},

		LLM: LLMConfig{
			Provider:    "scripted",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			Timeout:     "120s",
			MaxTokens:   2048,
			Temperature: 0.7,
		},

		Cache: CacheConfig{
			Capacity:        50000,
			CleanupInterval: "1m",
			HealthEvery:     100,
			TTL: TTLConfig{
				RateLimit:        "5s",
				Approval:         "2s",
				ContentVerdict:   "5m",
				Abuse:            "10m",
				Analysis:         "2m",
				Derived:          "1h",
				BackgroundMarker: "10m",
			},
		},

		RateLimit: RateLimitConfig{
			Requests: 30,
			Window:   "1m",
		},

		Capability: CapabilityConfig{
			ToolThreshold:   0.5,
			PluginThreshold: 0.3,
			Timeout:         "8s",
			MaxConcurrency:  4,
			RankTimeout:     "5s",
			Ranking:         RankingModel,
		},

		Budget: BudgetConfig{
			Pricing: map[string]PriceConfig{
				"gpt-4o":           {Input: 0.0025, Output: 0.01},
				"gpt-4o-mini":      {Input: 0.00015, Output: 0.0006},
				"gemini-2.5-flash": {Input: 0.0003, Output: 0.0025},
				"gemini-2.5-pro":   {Input: 0.00125, Output: 0.01},
			},
			DefaultPricing: PriceConfig{Input: 0.001, Output: 0.002},
		},

		Plans: PlansConfig{
			Default: "free",
			Tiers: map[string]PlanConfig{
				"free": {
					AllowedModels:    []string{"gpt-4o-mini", "gemini-2.5-flash"},
					DefaultModel:     "gpt-4o-mini",
					DailyCostLimit:   0.50,
					MonthlyCostLimit: 5,
					RateLimit:        20,
					Capabilities:     []string{"math_solver", "task_extractor"},
					FileGeneration: FileGenerationConfig{
						Enabled:  true,
						Types:    []string{"txt", "md"},
						MaxBytes: 64 << 10,
					},
				},
				"pro": {
					DefaultModel:     "gpt-4o",
					DailyCostLimit:   10,
					MonthlyCostLimit: 100,
					RateLimit:        120,
					FileGeneration: FileGenerationConfig{
						Enabled:  true,
						Types:    []string{"txt", "md", "csv", "json", "html"},
						MaxBytes: 2 << 20,
					},
				},
			},
		},

		Background: BackgroundConfig{
			Workers:     4,
			QueueSize:   256,
			TaskTimeout: "30s",
		},

		Profile: ProfileConfig{
			MaxUsers: 10000,
			IdleTTL:  "24h",
		},

		Storage: StorageConfig{
			DatabasePath: "data/chatcore.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// envOverrides lists the environment variables that override file values.
type envOverrides struct {
	Addr         string `env:"CHATCORE_ADDR"`
	Mode         string `env:"CHATCORE_MODE"`
	DatabasePath string `env:"CHATCORE_DB"`
	Provider     string `env:"CHATCORE_LLM_PROVIDER"`
	Model        string `env:"CHATCORE_LLM_MODEL"`
	BaseURL      string `env:"CHATCORE_LLM_BASE_URL"`
	LogLevel     string `env:"CHATCORE_LOG_LEVEL"`
	OpenAIKey    string `env:"OPENAI_API_KEY"`
	GeminiKey    string `env:"GEMINI_API_KEY"`
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.Addr != "" {
		c.Server.Addr = o.Addr
	}
	if o.Mode != "" {
		c.Pipeline.Mode = o.Mode
	}
	if o.DatabasePath != "" {
		c.Storage.DatabasePath = o.DatabasePath
	}
	if o.Provider != "" {
		c.LLM.Provider = o.Provider
	}
	if o.Model != "" {
		c.LLM.Model = o.Model
	}
	if o.BaseURL != "" {
		c.LLM.BaseURL = o.BaseURL
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}

	// API keys only fill in the provider when it was not chosen explicitly.
	if o.OpenAIKey != "" && (c.LLM.Provider == "openai" || c.LLM.APIKey == "") {
		c.LLM.APIKey = o.OpenAIKey
	}
	if o.GeminiKey != "" && c.LLM.Provider == "gemini" {
		c.LLM.APIKey = o.GeminiKey
	}
	return nil
}

// GetRankerModel returns the model used for capability ranking, or "" when
// ranking is heuristic only.
func (c *Config) GetRankerModel() string {
	if c.Capability.Ranking == RankingHeuristic {
		return ""
	}
	if c.LLM.RankerModel != "" {
		return c.LLM.RankerModel
	}
	return c.LLM.Model
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Pipeline.Mode {
	case ModeFast, ModeFull:
	default:
		return fmt.Errorf("pipeline.mode must be %q or %q, got %q", ModeFast, ModeFull, c.Pipeline.Mode)
	}
	switch c.Capability.Ranking {
	case "", RankingModel, RankingHeuristic:
	default:
		return fmt.Errorf("capability.ranking must be %q or %q, got %q", RankingModel, RankingHeuristic, c.Capability.Ranking)
	}
	if c.Capability.ToolThreshold < 0 || c.Capability.ToolThreshold > 1 {
		return fmt.Errorf("capability.tool_threshold must be within [0,1]")
	}
	if c.Capability.PluginThreshold < 0 || c.Capability.PluginThreshold > 1 {
		return fmt.Errorf("capability.plugin_threshold must be within [0,1]")
	}
	if c.Plans.Default == "" {
		return fmt.Errorf("plans.default is required")
	}
	if _, ok := c.Plans.Tiers[c.Plans.Default]; !ok {
		return fmt.Errorf("plans.default %q is not a defined tier", c.Plans.Default)
	}
	for user, tier := range c.Plans.Users {
		if _, ok := c.Plans.Tiers[tier]; !ok {
			return fmt.Errorf("user %q is assigned to unknown tier %q", user, tier)
		}
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be >= 1")
	}
	if c.Background.Workers < 1 {
		return fmt.Errorf("background.workers must be >= 1")
	}
	return nil
}

// IsFastPath reports whether the deployment uses the low-latency path.
func (c *Config) IsFastPath() bool {
	return c.Pipeline.Mode == ModeFast
}

// GetRequestTimeout returns the overall per-request timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Pipeline.RequestTimeout, 120*time.Second)
}

// GetLLMTimeout returns the upstream model timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetCapabilityTimeout returns the per-capability execution timeout.
func (c *Config) GetCapabilityTimeout() time.Duration {
	return parseDuration(c.Capability.Timeout, 8*time.Second)
}

// GetRankTimeout returns the capability ranking timeout.
func (c *Config) GetRankTimeout() time.Duration {
	return parseDuration(c.Capability.RankTimeout, 5*time.Second)
}

// GetRateLimitWindow returns the rate limit window.
func (c *Config) GetRateLimitWindow() time.Duration {
	return parseDuration(c.RateLimit.Window, time.Minute)
}

// GetCleanupInterval returns the cache janitor interval.
func (c *Config) GetCleanupInterval() time.Duration {
	return parseDuration(c.Cache.CleanupInterval, time.Minute)
}

// GetTaskTimeout returns the per-task background timeout.
func (c *Config) GetTaskTimeout() time.Duration {
	return parseDuration(c.Background.TaskTimeout, 30*time.Second)
}

// GetSmoothingDelay returns the pacing delay between smoothed pieces.
func (c *Config) GetSmoothingDelay() time.Duration {
	return parseDuration(c.Pipeline.Smoothing.Delay, 15*time.Millisecond)
}

// GetProfileIdleTTL returns how long an idle profile is kept.
func (c *Config) GetProfileIdleTTL() time.Duration {
	return parseDuration(c.Profile.IdleTTL, 24*time.Hour)
}

// GetReadHeaderTimeout returns the server read-header timeout.
func (c *Config) GetReadHeaderTimeout() time.Duration {
	return parseDuration(c.Server.ReadHeaderTimeout, 10*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 15*time.Second)
}

// GetTTLs returns the parsed cache TTL tiers.
func (c *Config) GetTTLs() cache.TTLs {
	d := cache.DefaultTTLs()
	t := c.Cache.TTL
	return cache.TTLs{
		RateLimit:        parseDuration(t.RateLimit, d.RateLimit),
		Approval:         parseDuration(t.Approval, d.Approval),
		ContentVerdict:   parseDuration(t.ContentVerdict, d.ContentVerdict),
		Abuse:            parseDuration(t.Abuse, d.Abuse),
		Analysis:         parseDuration(t.Analysis, d.Analysis),
		Derived:          parseDuration(t.Derived, d.Derived),
		BackgroundMarker: parseDuration(t.BackgroundMarker, d.BackgroundMarker),
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
