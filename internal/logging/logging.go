// Package logging provides categorized structured logging for the arena.
// Each subsystem logs through its own named zap logger so a single match's
// output can be filtered by category. Verbosity is controlled once at init.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names used across the service.
const (
	CategoryRunner   = "runner"
	CategoryEngine   = "engine"
	CategoryCanon    = "canon"
	CategoryProvider = "provider"
	CategoryStore    = "store"
	CategoryHub      = "hub"
	CategoryAPI      = "api"
	CategoryJudging  = "judging"
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[string]*zap.SugaredLogger)
)

// Init installs the process-wide logger. debug enables development encoding
// and debug-level output. Safe to call more than once; later calls replace
// earlier configuration.
func Init(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[string]*zap.SugaredLogger)
	return nil
}

// Get returns the sugared logger for a category, creating it on first use.
// Before Init is called a no-op logger is returned so library code never
// panics in tests.
func Get(category string) *zap.SugaredLogger {
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
	base := root
	if base == nil {
		base = zap.NewNop()
	}
	l := base.Named(category).Sugar()
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Category shorthands, one pair per subsystem.

func Runner() *zap.SugaredLogger   { return Get(CategoryRunner) }
func Engine() *zap.SugaredLogger   { return Get(CategoryEngine) }
func Provider() *zap.SugaredLogger { return Get(CategoryProvider) }
func Store() *zap.SugaredLogger    { return Get(CategoryStore) }
func Hub() *zap.SugaredLogger      { return Get(CategoryHub) }
func API() *zap.SugaredLogger      { return Get(CategoryAPI) }
func Judging() *zap.SugaredLogger  { return Get(CategoryJudging) }
