// Package logging provides config-driven categorized logging for the runtime.
// Every category shares one zap core; categories can be silenced individually
// and the level can be changed at runtime without rebuilding loggers.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization, image loading
	CategoryMem         Category = "mem"         // Memory handle, injection, ejection
	CategoryGroup       Category = "group"       // Group update cycles, notifications
	CategorySched       Category = "sched"       // Time cores and job scheduling
	CategoryReduce      Category = "reduce"      // Reduction cores, overlays
	CategoryChain       Category = "chain"       // Model chaining, predictions, goals
	CategoryStore       Category = "store"       // Snapshot persistence
	CategoryConfig      Category = "config"      // Configuration loading and reload
	CategoryPerformance Category = "performance" // Slow operations
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // console or json
	File       string          // optional output path, stderr otherwise
	DebugMode  bool            // enables debug-level output regardless of Level
	Categories map[string]bool // per-category toggles, missing means enabled
}

// Logger is a category-scoped sugared logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
	nop        = zap.NewNop().Sugar()
)

// Initialize builds the shared zap logger from opts.
func Initialize(opts Options) error {
	var cfg zap.Config
	if opts.Format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}
	if opts.DebugMode {
		lvl = zapcore.DebugLevel
	}
	level.SetLevel(lvl)
	cfg.Level = level
	if opts.File != "" {
		cfg.OutputPaths = []string{opts.File}
	}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	install(l, opts.Categories)
	return nil
}

// Attach installs an already built zap logger, e.g. the one the CLI owns.
func Attach(l *zap.Logger, cats map[string]bool) {
	install(l, cats)
}

func install(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

// SetLevel changes the level of every category logger.
func SetLevel(name string) error {
	lvl, err := parseLevel(name)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

func parseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return lvl, nil
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: nop}
	}

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
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// With returns a logger carrying additional key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Mem(format string, args ...interface{})      { Get(CategoryMem).Info(format, args...) }
func MemDebug(format string, args ...interface{}) { Get(CategoryMem).Debug(format, args...) }
func MemWarn(format string, args ...interface{})  { Get(CategoryMem).Warn(format, args...) }

func Group(format string, args ...interface{})      { Get(CategoryGroup).Info(format, args...) }
func GroupDebug(format string, args ...interface{}) { Get(CategoryGroup).Debug(format, args...) }

func Sched(format string, args ...interface{})      { Get(CategorySched).Info(format, args...) }
func SchedDebug(format string, args ...interface{}) { Get(CategorySched).Debug(format, args...) }
func SchedWarn(format string, args ...interface{})  { Get(CategorySched).Warn(format, args...) }

func ReduceDebug(format string, args ...interface{}) { Get(CategoryReduce).Debug(format, args...) }
func ReduceWarn(format string, args ...interface{})  { Get(CategoryReduce).Warn(format, args...) }

func Chain(format string, args ...interface{})      { Get(CategoryChain).Info(format, args...) }
func ChainDebug(format string, args ...interface{}) { Get(CategoryChain).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func Config(format string, args ...interface{})     { Get(CategoryConfig).Info(format, args...) }
func ConfigWarn(format string, args ...interface{}) { Get(CategoryConfig).Warn(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
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
		Get(CategoryPerformance).Warn("%s/%s took %v (threshold: %v)", t.category, t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
