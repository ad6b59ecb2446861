package config

import (
	"context"
	"os"
	"sync"
	"time"

	"sparkle/pkg/log"
)

// Watcher polls the configuration file and invokes a callback when its
// modification time advances. Fields affecting live listeners (ports, TLS
// paths) still require a restart; the callback is for the rest, such as the
// log level.
type Watcher struct {
	configPath string
	lastMod    time.Time
	interval   time.Duration
	onChange   func(*Config)

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for configPath.
func NewWatcher(configPath string, onChange func(*Config)) *Watcher {
	return &Watcher{
		configPath: configPath,
		interval:   5 * time.Second,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling. A missing file is fine; the watcher fires once it
// appears.
func (w *Watcher) Start(ctx context.Context) {
	if info, err := os.Stat(w.configPath); err == nil {
		w.lastMod = info.ModTime()
	}
	w.wg.Add(1)
	go w.loop(ctx)
	log.Debug("Config watcher started", "path", w.configPath)
}

// Stop terminates the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	select {
	case <-w.stopCh:
		w.mu.Unlock()
		return
	default:
		close(w.stopCh)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.check()
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.configPath)
	if err != nil {
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.configPath)
	if err != nil {
		log.Warn("Ignoring unreadable config change", "path", w.configPath, "error", err)
		return
	}
	log.Info("Configuration reloaded", "path", w.configPath)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
