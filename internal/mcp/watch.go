package mcp

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"rove/internal/logging"
)

const watchDebounce = 500 * time.Millisecond

// ConfigWatcher reloads server definitions when the config files
// change on disk, so editing a server file takes effect without a
// restart of the host process.
type ConfigWatcher struct {
	dir      string
	sup      *Supervisor
	fs       *fsnotify.Watcher
	debounce time.Duration
	last     map[string]*ServerConfig
}

// NewConfigWatcher watches dir (and dir/mcp when present) for changes
// to the server definitions.
func NewConfigWatcher(dir string, sup *Supervisor) (*ConfigWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &ConfigWatcher{dir: dir, sup: sup, fs: fs, debounce: watchDebounce}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}
	sub := filepath.Join(dir, "mcp")
	if info, statErr := os.Stat(sub); statErr == nil && info.IsDir() {
		if err := fs.Add(sub); err != nil {
			logging.Warn("mcp config subdirectory not watched", "dir", sub, "error", err)
		}
	}
	if configs, err := LoadConfigs(dir); err == nil {
		w.last = make(map[string]*ServerConfig, len(configs))
		for _, cfg := range configs {
			w.last[cfg.ID] = cfg
		}
	}
	return w, nil
}

// Start runs the watch loop until ctx is canceled.
func (w *ConfigWatcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *ConfigWatcher) Close() error {
	return w.fs.Close()
}

func (w *ConfigWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.fs.Close()
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Editors fire bursts of writes; collapse them into one
			// reload after the dust settles.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Warn("mcp config watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			w.reload(ctx)
		}
	}
}

// relevant filters out files that cannot hold server definitions.
func (w *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	// New mcp/ subdirectory: start watching it.
	if event.Op&fsnotify.Create != 0 && base == "mcp" {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(event.Name); err == nil {
				return true
			}
		}
	}
	return strings.HasSuffix(base, ".json")
}

// reload re-reads the config tree and reconciles the supervisor:
// removed servers stop, new or changed ones (re)start.
func (w *ConfigWatcher) reload(ctx context.Context) {
	configs, err := LoadConfigs(w.dir)
	if err != nil {
		logging.Warn("mcp config reload failed", "dir", w.dir, "error", err)
		return
	}
	logging.Info("mcp config changed, reconciling", "servers", len(configs))

	before := w.sup.States()
	w.sup.Configure(configs)

	next := make(map[string]*ServerConfig, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = cfg
	}

	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			if _, existed := before[cfg.ID]; existed {
				w.sup.Stop(cfg.ID)
			}
			continue
		}
		state, existed := before[cfg.ID]
		switch {
		case !existed, state == StateStopped, state == StateFailed:
			if err := w.sup.Start(ctx, cfg.ID); err != nil {
				logging.Error("mcp server start after config change", "server", cfg.ID, "error", err)
			}
		case w.last != nil && !reflect.DeepEqual(w.last[cfg.ID], cfg):
			// Definition changed under a running server: cycle it.
			if err := w.sup.Restart(ctx, cfg.ID); err != nil {
				logging.Error("mcp server restart after config change", "server", cfg.ID, "error", err)
			}
		}
	}
	w.last = next
}
