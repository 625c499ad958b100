package mode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// File is the on-disk format for custom modes
type File struct {
	Modes     []Mode              `json:"modes" yaml:"modes"`
	Workflows map[string][]string `json:"workflows" yaml:"workflows"`
}

// Loader reads custom modes from a JSON or YAML file into a registry and
// can reload them when the file changes.
type Loader struct {
	path     string
	registry *Registry
	logger   zerolog.Logger
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	loaded chan struct{}
}

// NewLoader creates a loader for path
func NewLoader(path string, registry *Registry, logger zerolog.Logger) *Loader {
	return &Loader{
		path:     path,
		registry: registry,
		logger:   logger.With().Str("component", "mode-loader").Str("path", path).Logger(),
		debounce: 100 * time.Millisecond,
		loaded:   make(chan struct{}, 1),
	}
}

// ParseFile decodes a mode file by extension
func ParseFile(path string, data []byte) (*File, error) {
	var f File
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse JSON modes: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse YAML modes: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported modes file format: %s (supported: .json, .yaml, .yml)", filepath.Ext(path))
	}
	return &f, nil
}

// Load reads the file and replaces the registry's custom modes. A missing
// file clears them. Entries that collide with built-ins are skipped.
func (l *Loader) Load() (int, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.registry.ReplaceCustom(nil, nil)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read modes file: %w", err)
	}

	f, err := ParseFile(l.path, data)
	if err != nil {
		return 0, err
	}

	count, errs := l.registry.ReplaceCustom(f.Modes, f.Workflows)
	for _, e := range errs {
		l.logger.Warn().Err(e).Msg("Skipped custom mode entry")
	}

	l.logger.Info().Int("count", count).Msg("Loaded custom modes")
	return count, nil
}

// Watch reloads the file on change until ctx is done. It watches the parent
// directory so editors that replace the file by rename still trigger a reload.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create modes directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	l.logger.Info().Msg("Watching custom modes file")

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			l.stopTimer()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.scheduleReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Reloaded signals after each debounced reload
func (l *Loader) Reloaded() <-chan struct{} {
	return l.loaded
}

func (l *Loader) scheduleReload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, func() {
		if _, err := l.Load(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to reload custom modes")
		}
		select {
		case l.loaded <- struct{}{}:
		default:
		}
	})
}

func (l *Loader) stopTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
}
