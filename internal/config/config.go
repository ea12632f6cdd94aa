// Package config loads and hot-reloads the daemon's configuration file
// (spec §6): the `devices` list (id/driver/connection/capabilities/
// bus_key/parameters_defaults), the `storage` section, and the `runtime`
// section.
//
// Grounded on ariadne's packages/engine/config/runtime.go: YAML decode via
// gopkg.in/yaml.v3, a sha256 checksum over the decoded document for change
// detection, and an fsnotify.Watcher on the config file's directory (more
// reliable than watching the file handle directly, since editors often
// replace rather than truncate-and-rewrite) feeding a channel of parsed
// Config updates. No pack repo imports spf13/viper, so this package does
// not either — yaml.v3 plus fsnotify is the idiom the pack actually shows
// for this concern.
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"daqcore/internal/halerr"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DeviceEntry is one `devices:` list entry (spec §6).
type DeviceEntry struct {
	ID                 string         `yaml:"id"`
	Driver             string         `yaml:"driver"`
	Connection         map[string]any `yaml:"connection,omitempty"`
	Capabilities       []string       `yaml:"capabilities"`
	BusKey             string         `yaml:"bus_key,omitempty"`
	RequiresHoming     bool           `yaml:"requires_homing,omitempty"`
	ConnectTimeout     time.Duration  `yaml:"connect_timeout,omitempty"`
	ParametersDefaults map[string]any `yaml:"parameters_defaults,omitempty"`
}

// StorageConfig is the top-level `storage` section (spec §6: "output
// directory, file format, flush interval").
type StorageConfig struct {
	Dir           string        `yaml:"dir"`
	Format        string        `yaml:"format"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SidecarJSON   bool          `yaml:"sidecar_json"`
}

// RuntimeConfig is the top-level `runtime` section (spec §6: "ring buffer
// size, channel capacities").
type RuntimeConfig struct {
	RingBufferBytes   uint64 `yaml:"ring_buffer_bytes"`
	ReliableQueueDepth int   `yaml:"reliable_queue_depth"`
	BroadcastCapacity int    `yaml:"broadcast_capacity"`
}

// Config is the fully decoded configuration file.
type Config struct {
	Devices []DeviceEntry `yaml:"devices"`
	Storage StorageConfig `yaml:"storage"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.FlushInterval <= 0 {
		cfg.Storage.FlushInterval = time.Second
	}
	if cfg.Storage.Format == "" {
		cfg.Storage.Format = "columnar"
	}
	if cfg.Runtime.RingBufferBytes == 0 {
		cfg.Runtime.RingBufferBytes = 64 << 20 // 64MiB
	}
	if cfg.Runtime.ReliableQueueDepth == 0 {
		cfg.Runtime.ReliableQueueDepth = 256
	}
	if cfg.Runtime.BroadcastCapacity == 0 {
		cfg.Runtime.BroadcastCapacity = 32
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].ConnectTimeout == 0 {
			cfg.Devices[i].ConnectTimeout = 5 * time.Second
		}
	}
}

// Fingerprint returns a sha256 hex digest of cfg's decoded form — the
// Start document's ConfigFingerprint provenance field (spec §3).
func Fingerprint(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", halerr.Wrap(halerr.Config, "config", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Load reads and decodes the configuration file at path, applying defaults
// for any zero-valued storage/runtime field (spec §6's sections are
// optional per-field, not all-or-nothing).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, halerr.Wrap(halerr.Config, "config", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, halerr.Wrap(halerr.Config, "config", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Change is one hot-reload event: the newly parsed Config and the checksum
// it replaced, for Watcher.Watch consumers to log or compare against.
type Change struct {
	Config           *Config
	PreviousChecksum string
	Checksum         string
	ChangedAt        time.Time
}

// Watcher hot-reloads path on write and delivers each reparsed Config as a
// Change (spec §6 / §8 scenario 4's live-edit path applies to running
// Parameters directly). A Change is not applied to any device:
// `parameters_defaults` are written only by BuildRegistry.
type Watcher struct {
	path string

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	lastSum  string
	watching bool
}

// NewWatcher constructs a Watcher for path. Call Watch to start receiving
// Changes.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, halerr.Wrap(halerr.Config, "config", err)
	}
	return &Watcher{path: path, fsw: fsw}, nil
}

// Watch starts watching the config file's directory (more reliable across
// editors that replace-on-save than watching the inode directly) and
// returns a channel of Changes plus a channel of load errors. Both close
// when ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) (<-chan Change, <-chan error) {
	changes := make(chan Change, 8)
	errs := make(chan error, 8)

	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	dir := filepath.Dir(w.path)
	if err := w.fsw.Add(dir); err != nil {
		w.mu.Unlock()
		errs <- halerr.Wrap(halerr.Config, "config", err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.watching = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.handleChange(changes, errs)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				errs <- err
			}
		}
	}()
	return changes, errs
}

func (w *Watcher) handleChange(changes chan<- Change, errs chan<- error) {
	cfg, err := Load(w.path)
	if err != nil {
		errs <- err
		return
	}
	sum, err := Fingerprint(cfg)
	if err != nil {
		errs <- err
		return
	}
	w.mu.Lock()
	prev := w.lastSum
	unchanged := sum == prev
	w.lastSum = sum
	w.mu.Unlock()
	if unchanged {
		return
	}
	changes <- Change{Config: cfg, PreviousChecksum: prev, Checksum: sum, ChangedAt: time.Now()}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
