// Package config loads the server's configuration from a TOML file and
// watches it for changes, the way a long-lived service adjusts its own
// verbosity and rate limits without a restart.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// klogFlags owns this package's binding to klog's verbosity level. klog
// binds "-v" to its single global verbosity counter regardless of which
// FlagSet the flag is registered on, so Set here changes real log output
// immediately without touching the process's command-line flags.
var klogFlags flag.FlagSet

func init() {
	klog.InitFlags(&klogFlags)
}

// applyVerbosity pushes v into klog's live verbosity level.
func applyVerbosity(v int) {
	if err := klogFlags.Set("v", strconv.Itoa(v)); err != nil {
		klog.ErrorS(err, "config: failed to apply verbosity", "verbosity", v)
	}
}

// Config holds every tunable of the server. Fields that can be hot-reloaded
// are noted; everything else only takes effect at process start.
type Config struct {
	// ListenAddr is the WebSocket upgrade listen address, e.g. ":8081".
	ListenAddr string `toml:"listen_addr"`

	// TelemetryAddr serves /healthz and /metrics, e.g. ":9090".
	TelemetryAddr string `toml:"telemetry_addr"`

	// PiecesPerWhole is how many equal pieces one whole pie is cut into.
	PiecesPerWhole int `toml:"pieces_per_whole"`

	// SessionRateLimitPerSecond bounds how many frames one session may send
	// per second. Hot-reloadable.
	SessionRateLimitPerSecond float64 `toml:"session_rate_limit_per_second"`

	// SessionRateLimitBurst is the token bucket burst size. Hot-reloadable.
	SessionRateLimitBurst int `toml:"session_rate_limit_burst"`

	// Verbosity is the klog -v level. Hot-reloadable.
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration a fresh deployment starts from.
func Default() Config {
	return Config{
		ListenAddr:                ":8081",
		TelemetryAddr:             ":9090",
		PiecesPerWhole:            15,
		SessionRateLimitPerSecond: 20,
		SessionRateLimitBurst:     40,
		Verbosity:                 2,
	}
}

// Load reads and validates a TOML config file, falling back to Default for
// any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects a configuration that the rest of the server cannot run
// with.
func (c Config) Validate() error {
	if c.PiecesPerWhole <= 0 {
		return fmt.Errorf("pieces_per_whole must be > 0, got %d", c.PiecesPerWhole)
	}
	if c.SessionRateLimitPerSecond <= 0 {
		return fmt.Errorf("session_rate_limit_per_second must be > 0, got %f", c.SessionRateLimitPerSecond)
	}
	if c.SessionRateLimitBurst <= 0 {
		return fmt.Errorf("session_rate_limit_burst must be > 0, got %d", c.SessionRateLimitBurst)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	return nil
}

// Log emits the effective configuration at startup and after every reload.
func (c Config) Log() {
	klog.InfoS("server configuration",
		"listenAddr", c.ListenAddr,
		"telemetryAddr", c.TelemetryAddr,
		"piecesPerWhole", c.PiecesPerWhole,
		"sessionRateLimitPerSecond", c.SessionRateLimitPerSecond,
		"sessionRateLimitBurst", c.SessionRateLimitBurst,
		"verbosity", c.Verbosity)
}

// Watcher holds the live, hot-reloadable configuration and keeps it in
// sync with its backing file.
type Watcher struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewWatcher loads path once and returns a Watcher serving that snapshot
// until Start is called.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	applyVerbosity(cfg.Verbosity)
	return &Watcher{cfg: cfg, path: path}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Start watches the backing file for writes and reloads on every change.
// A reload that fails validation is logged and discarded; the previous
// configuration keeps serving.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, w.reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				klog.ErrorS(err, "config: watcher error", "path", w.path)
			}
		}
	}()

	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		klog.ErrorS(err, "config: reload failed, keeping previous configuration", "path", w.path)
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()

	applyVerbosity(cfg.Verbosity)
	klog.InfoS("config: reloaded", "path", w.path)
	cfg.Log()
}
