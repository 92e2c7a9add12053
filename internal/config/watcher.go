package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives a freshly loaded, validated configuration.
type ChangeHandler func(cfg *Config) error

// Watcher reloads the config file when it changes on disk and re-runs policy
// handlers when a .rego file in the guardrails policy directory changes.
// A reload that fails to parse or validate keeps the previous configuration.
type Watcher struct {
	path      string
	policyDir string
	settle    time.Duration

	mu             sync.RWMutex
	current        *Config
	handlers       []ChangeHandler
	policyHandlers []func() error

	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewWatcher starts from cfg, which was loaded from path.
func NewWatcher(path string, cfg *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:      filepath.Clean(ResolvePath(path)),
		policyDir: filepath.Clean(cfg.Guardrails.Path),
		settle:    50 * time.Millisecond,
		current:   cfg,
		watcher:   fw,
		logger:    logger,
	}, nil
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a handler invoked after each successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// OnPolicyChange registers a handler invoked when policy files change.
func (w *Watcher) OnPolicyChange(h func() error) {
	w.mu.Lock()
	w.policyHandlers = append(w.policyHandlers, h)
	w.mu.Unlock()
}

// Run watches until ctx is done. Editors often replace files instead of
// writing them, so the containing directories are watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if w.policyDir != "." && w.policyDir != filepath.Dir(w.path) {
		if err := w.watcher.Add(w.policyDir); err != nil {
			w.logger.Warn("Policy directory not watched", zap.String("dir", w.policyDir), zap.Error(err))
		}
	}
	w.logger.Info("Configuration watcher started",
		zap.String("file", w.path),
		zap.String("policy_dir", w.policyDir),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Clean(event.Name)

	switch {
	case name == w.path:
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.logger.Warn("Configuration file removed, keeping current settings", zap.String("file", name))
			return
		}
		// Let rapid successive writes land before reading.
		time.Sleep(w.settle)
		if err := w.Reload(); err != nil {
			w.logger.Error("Configuration reload rejected", zap.String("file", name), zap.Error(err))
		}
	case filepath.Ext(name) == ".rego" && filepath.Dir(name) == w.policyDir:
		time.Sleep(w.settle)
		w.reloadPolicies(name, event.Op.String())
	}
}

// Reload re-reads the config file and applies it when valid.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = cfg
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded",
		zap.Float64("confidence_threshold", cfg.Review.ConfidenceThreshold),
		zap.Int("parser_ambiguity_threshold", cfg.Review.ParserAmbiguityThreshold),
		zap.Bool("guardrails_enabled", cfg.Guardrails.Enabled),
	)

	var firstErr error
	for _, h := range handlers {
		if err := h(cfg); err != nil {
			w.logger.Error("Configuration change handler failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *Watcher) reloadPolicies(file, op string) {
	w.mu.RLock()
	handlers := append([]func() error(nil), w.policyHandlers...)
	w.mu.RUnlock()

	w.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filepath.Base(file)),
		zap.String("op", op),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			w.logger.Error("Policy reload handler failed", zap.String("file", file), zap.Error(err))
		}
	}
}
