// Package logging provides categorized logging for ragent on top of zap.
// Each subsystem logs through its own category so output can be filtered per
// category via the logging section of the config file.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and service wiring
	CategoryAPI       Category = "api"       // LLM chat-completion calls
	CategoryEngine    Category = "engine"    // Conversation turn loop, compaction
	CategoryTools     Category = "tools"     // Tool registry and tool execution
	CategoryEmbedding Category = "embedding" // Embedding engines
	CategoryStore     Category = "store"     // Content cache, chunk vectors, user facts
	CategoryRetrieval Category = "retrieval" // Chunking, scoring, expansion
	CategoryPreload   Category = "preload"   // Preload pipeline stages
	CategoryIngest    Category = "ingest"    // Local corpus ingestion and watching
	CategorySearch    Category = "search"    // Web search providers
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string
	Format     string // "json" or "console"
	File       string // empty means stderr
	DebugMode  bool
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from cfg and installs it.
func Initialize(cfg Config) error {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if cfg.DebugMode {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		zc.OutputPaths = []string{cfg.File}
		zc.ErrorOutputPaths = []string{cfg.File}
	} else {
		zc.OutputPaths = []string{"stderr"}
	}

	l, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	install(l, cfg.Categories)
	Get(CategoryBoot).Debug("logging initialized (level=%s, format=%s)", level, zc.Encoding)
	return nil
}

// SetLogger installs an already-built zap logger with every category enabled.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	install(l, nil)
}

// SetCategories replaces the category filter. A nil map enables everything.
func SetCategories(enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	categories = enabled
	loggers = make(map[Category]*Logger)
}

func install(l *zap.Logger, enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	categories = enabled
	loggers = make(map[Category]*Logger)
}

// L returns the underlying zap logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
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

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
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

	z := zap.NewNop()
	if categoryEnabledLocked(category) {
		z = base.With(zap.String("category", string(category)))
	}
	l := &Logger{category: category, sugar: z.Sugar()}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...any) { l.sugar.Errorf(format, args...) }

// StructuredLog writes msg with key/value fields at the given level.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]any) {
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch level {
	case "debug":
		l.sugar.Debugw(msg, kv...)
	case "warn":
		l.sugar.Warnw(msg, kv...)
	case "error":
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// With returns a child logger carrying extra structured fields.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...any)  { Get(CategoryBoot).Warn(format, args...) }

func API(format string, args ...any)      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...any) { Get(CategoryAPI).Debug(format, args...) }
func APIWarn(format string, args ...any)  { Get(CategoryAPI).Warn(format, args...) }
func APIError(format string, args ...any) { Get(CategoryAPI).Error(format, args...) }

func Engine(format string, args ...any)      { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...any) { Get(CategoryEngine).Debug(format, args...) }
func EngineWarn(format string, args ...any)  { Get(CategoryEngine).Warn(format, args...) }
func EngineError(format string, args ...any) { Get(CategoryEngine).Error(format, args...) }

func Tools(format string, args ...any)      { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...any) { Get(CategoryTools).Debug(format, args...) }
func ToolsWarn(format string, args ...any)  { Get(CategoryTools).Warn(format, args...) }
func ToolsError(format string, args ...any) { Get(CategoryTools).Error(format, args...) }

func Embedding(format string, args ...any)      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...any) { Get(CategoryEmbedding).Debug(format, args...) }
func EmbeddingWarn(format string, args ...any)  { Get(CategoryEmbedding).Warn(format, args...) }
func EmbeddingError(format string, args ...any) { Get(CategoryEmbedding).Error(format, args...) }

func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...any)  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...any) { Get(CategoryStore).Error(format, args...) }

func Retrieval(format string, args ...any)      { Get(CategoryRetrieval).Info(format, args...) }
func RetrievalDebug(format string, args ...any) { Get(CategoryRetrieval).Debug(format, args...) }
func RetrievalWarn(format string, args ...any)  { Get(CategoryRetrieval).Warn(format, args...) }

func Preload(format string, args ...any)      { Get(CategoryPreload).Info(format, args...) }
func PreloadDebug(format string, args ...any) { Get(CategoryPreload).Debug(format, args...) }
func PreloadWarn(format string, args ...any)  { Get(CategoryPreload).Warn(format, args...) }

func Ingest(format string, args ...any)      { Get(CategoryIngest).Info(format, args...) }
func IngestDebug(format string, args ...any) { Get(CategoryIngest).Debug(format, args...) }
func IngestWarn(format string, args ...any)  { Get(CategoryIngest).Warn(format, args...) }

func Search(format string, args ...any)      { Get(CategorySearch).Info(format, args...) }
func SearchDebug(format string, args ...any) { Get(CategorySearch).Debug(format, args...) }
func SearchWarn(format string, args ...any)  { Get(CategorySearch).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
