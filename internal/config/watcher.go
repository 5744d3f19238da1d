package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and hands every valid, meaningful edit to a
// callback as an (old, new) pair. Edits that fail to parse or validate are
// logged, remembered for [Watcher.Check] and otherwise ignored; the last good
// config stays in force. Edits that change nothing [Diff] can see, such as
// comments or reordered keys, update the baseline without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	current snapshot
	lastErr error
	reloads int
}

// snapshot is a loaded config together with the file state it came from.
type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher for it. The initial load must
// succeed. Polling starts with [Watcher.Start] or [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = snap
	return w, nil
}

// Current returns the config currently in force.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.cfg
}

// Reloads returns how many edits were handed to the callback.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Check reports the most recent rejected edit, or nil once the file loads
// cleanly again. It has the shape of a readiness checker.
func (w *Watcher) Check(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastErr != nil {
		return fmt.Errorf("config %s rejected: %w", w.path, w.lastErr)
	}
	return nil
}

// Start polls in a background goroutine until [Watcher.Stop] is called.
func (w *Watcher) Start() {
	go func() { _ = w.Run(context.Background()) }()
}

// Run polls until ctx is cancelled or Stop is called. It always returns nil,
// so it can be used directly as an errgroup task.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

// Stop ends polling. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.current.mtime) && w.lastErr == nil
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.load()
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = snap
	recovered := w.lastErr != nil
	w.lastErr = nil
	if snap.hash == old.hash {
		w.mu.Unlock()
		if recovered {
			slog.Info("config watcher: file valid again", "path", w.path)
		}
		return
	}
	d := Diff(old.cfg, snap.cfg)
	notify := d.Changed() || len(d.RestartRequired) > 0
	if notify {
		w.reloads++
	}
	w.mu.Unlock()

	if !notify {
		slog.Debug("config watcher: edit has no effect", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"hot", d.Changed(),
		"restart_required", d.RestartRequired,
	)
	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(old.cfg, snap.cfg)
	}
}

func (w *Watcher) reject(err error) {
	w.mu.Lock()
	first := w.lastErr == nil
	w.lastErr = err
	w.mu.Unlock()
	if first {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
}

// load reads, parses and validates the file.
func (w *Watcher) load() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
