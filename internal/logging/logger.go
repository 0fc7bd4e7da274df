// Package logging provides config-driven categorized logging for chatcore.
// Every subsystem logs through its own category, which becomes a named child
// of a single zap root logger. Categories can be toggled individually; a
// disabled category (or an uninitialized package) yields a no-op logger.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and shutdown
	CategoryHTTP       Category = "http"       // Inbound requests and responses
	CategoryGate       Category = "gate"       // Request validation, rate limiting, abuse screening
	CategoryIntent     Category = "intent"     // Intent classification
	CategoryCapability Category = "capability" // Capability ranking and dispatch
	CategoryPrompt     Category = "prompt"     // Prompt synthesis
	CategoryStream     Category = "stream"     // Model streaming
	CategoryLLM        Category = "llm"        // Upstream model clients
	CategoryBudget     Category = "budget"     // Cost governance
	CategoryCache      Category = "cache"      // Cache health and degradation
	CategoryBackground Category = "background" // Background task dispatch
	CategoryStore      Category = "store"      // Persistence
	CategoryConfig     Category = "config"     // Config load and reload
)

// Config controls logger construction. It mirrors config.LoggingConfig to
// avoid an import cycle.
type Config struct {
	Level      string
	Format     string // json or console
	File       string
	Categories map[string]bool
}

// Logger is a printf-style category logger backed by zap.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
	nop        = zap.NewNop().Sugar()
)

// Initialize builds the root logger from cfg. It may be called again to
// reconfigure; previously handed-out category loggers are invalidated.
func Initialize(cfg Config) error {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "text") {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(defaultString(cfg.Level, "info"))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
	} else {
		zcfg.OutputPaths = []string{"stderr"}
	}

	built, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	Replace(built, cfg.Categories)
	return nil
}

// Replace installs an existing zap logger as the root. Useful for tests and
// for the CLI, which may construct its own logger.
func Replace(l *zap.Logger, toggles map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
	categories = toggles
	loggers = make(map[Category]*Logger)
}

// Root returns the root zap logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Sync flushes buffered entries.
func Sync() {
	_ = Root().Sync()
}

// IsCategoryEnabled reports whether a category is enabled. Categories not
// listed in the toggle map are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: nop}
	if categoryEnabledLocked(category) {
		l.sugar = root.Named(string(category)).Sugar()
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.sugar.Debugf(format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.sugar.Infof(format, args...) }

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) { l.sugar.Warnf(format, args...) }

// Error logs an error.
func (l *Logger) Error(format string, args ...any) { l.sugar.Errorf(format, args...) }

// With returns a structured logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...any) *zap.SugaredLogger {
	return l.sugar.With(keysAndValues...)
}

// Category helpers

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...any)  { Get(CategoryBoot).Warn(format, args...) }
func HTTP(format string, args ...any)      { Get(CategoryHTTP).Info(format, args...) }
func HTTPDebug(format string, args ...any) { Get(CategoryHTTP).Debug(format, args...) }
func HTTPError(format string, args ...any) { Get(CategoryHTTP).Error(format, args...) }

func Gate(format string, args ...any)      { Get(CategoryGate).Info(format, args...) }
func GateDebug(format string, args ...any) { Get(CategoryGate).Debug(format, args...) }
func GateWarn(format string, args ...any)  { Get(CategoryGate).Warn(format, args...) }

func IntentDebug(format string, args ...any) { Get(CategoryIntent).Debug(format, args...) }

func Capability(format string, args ...any)      { Get(CategoryCapability).Info(format, args...) }
func CapabilityDebug(format string, args ...any) { Get(CategoryCapability).Debug(format, args...) }
func CapabilityWarn(format string, args ...any)  { Get(CategoryCapability).Warn(format, args...) }

func PromptDebug(format string, args ...any) { Get(CategoryPrompt).Debug(format, args...) }

func Stream(format string, args ...any)      { Get(CategoryStream).Info(format, args...) }
func StreamDebug(format string, args ...any) { Get(CategoryStream).Debug(format, args...) }
func StreamWarn(format string, args ...any)  { Get(CategoryStream).Warn(format, args...) }
func StreamError(format string, args ...any) { Get(CategoryStream).Error(format, args...) }

func LLM(format string, args ...any)      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...any) { Get(CategoryLLM).Debug(format, args...) }
func LLMWarn(format string, args ...any)  { Get(CategoryLLM).Warn(format, args...) }
func LLMError(format string, args ...any) { Get(CategoryLLM).Error(format, args...) }

func Budget(format string, args ...any)      { Get(CategoryBudget).Info(format, args...) }
func BudgetDebug(format string, args ...any) { Get(CategoryBudget).Debug(format, args...) }

func CacheDebug(format string, args ...any) { Get(CategoryCache).Debug(format, args...) }
func CacheWarn(format string, args ...any)  { Get(CategoryCache).Warn(format, args...) }

func Background(format string, args ...any)      { Get(CategoryBackground).Info(format, args...) }
func BackgroundDebug(format string, args ...any) { Get(CategoryBackground).Debug(format, args...) }
func BackgroundWarn(format string, args ...any)  { Get(CategoryBackground).Warn(format, args...) }

func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...any)  { Get(CategoryStore).Warn(format, args...) }

func ConfigInfo(format string, args ...any) { Get(CategoryConfig).Info(format, args...) }
func ConfigWarn(format string, args ...any) { Get(CategoryConfig).Warn(format, args...) }

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer starts a timer for the named operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// Fatal writes to stderr and exits. Reserved for the entrypoint.
func Fatal(format string, args ...any) {
	Get(CategoryBoot).Error(format, args...)
	Sync()
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
