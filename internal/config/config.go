// Package config loads MagicFS's runtime configuration: watch roots, the
// data directory, and the tunables spec.md leaves as ranges (debounce
// window, retry backoff, lifecycle interval, LRU capacity, trash
// retention).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is MagicFS's full runtime configuration.
type Config struct {
	// MountPoint is where the FUSE filesystem is presented.
	MountPoint string `yaml:"mount_point"`
	// Roots are the watched directories, in the order given on the command line.
	Roots []string `yaml:"roots"`
	// DataDir is $MAGICFS_DATA_DIR; holds the system inbox and the Repository files.
	DataDir string `yaml:"data_dir"`
	// LogFile is $MAGICFS_LOG_FILE; empty means stderr.
	LogFile string `yaml:"log_file"`

	Indexer   IndexerConfig   `yaml:"indexer"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Inode     InodeConfig     `yaml:"inode"`
}

// IndexerConfig holds the Chatter-suppression and Politeness tunables (spec.md §4.4).
type IndexerConfig struct {
	// DebounceWindow is the quiet period before a path's event is processed.
	DebounceWindow time.Duration `yaml:"debounce_window"`
	// BusyRetryInitial is the first backoff delay when a file can't be read.
	BusyRetryInitial time.Duration `yaml:"busy_retry_initial"`
	// BusyRetryMax caps the exponential backoff ceiling.
	BusyRetryMax time.Duration `yaml:"busy_retry_max"`
	// BusyRetryAttempts bounds how many times a busy file is retried before the event is dropped.
	BusyRetryAttempts int `yaml:"busy_retry_attempts"`
	// NoiseThresholdBytes: files at/below this size with empty extracted text are not embedded.
	NoiseThresholdBytes int64 `yaml:"noise_threshold_bytes"`
	// MaxFileSizeBytes: files at/above this size are skipped entirely (no registry row).
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`
	// ChunkTokens / ChunkOverlap describe the chunking window.
	ChunkTokens  int `yaml:"chunk_tokens"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	// Workers bounds the extract/embed fan-out pool.
	Workers int `yaml:"workers"`
	// QueueCapacity bounds the Librarian->Indexer event queue (bounded-blocking).
	QueueCapacity int `yaml:"queue_capacity"`
}

// OracleConfig holds the Search Oracle's accumulation-window and waiter tunables (spec.md §4.5).
type OracleConfig struct {
	AccumulationWindow time.Duration `yaml:"accumulation_window"`
	WaiterTimeout      time.Duration `yaml:"waiter_timeout"`
	ResultK            int           `yaml:"result_k"`
	InputQueueCapacity int           `yaml:"input_queue_capacity"`
}

// LifecycleConfig holds the Reaper/Scavenger/Incinerator cadence and retention (spec.md §4.7).
type LifecycleConfig struct {
	Interval       time.Duration `yaml:"interval"`
	TrashRetention time.Duration `yaml:"trash_retention"`
}

// InodeConfig holds the ephemeral-inode LRU capacity (spec.md §4.2).
type InodeConfig struct {
	EphemeralCapacity int `yaml:"ephemeral_capacity"`
}

// DefaultConfig returns the tunables spec.md §9 leaves as ranges, pinned to
// the midpoints the test suite expects (debounce 300ms, accumulation
// 35ms, retention 30 days, etc).
func DefaultConfig() *Config {
	return &Config{
		Indexer: IndexerConfig{
			DebounceWindow:      300 * time.Millisecond,
			BusyRetryInitial:    50 * time.Millisecond,
			BusyRetryMax:        800 * time.Millisecond,
			BusyRetryAttempts:   5,
			NoiseThresholdBytes: 10,
			MaxFileSizeBytes:    10 * 1024 * 1024,
			ChunkTokens:         256,
			ChunkOverlap:        32,
			Workers:             4,
			QueueCapacity:       4096,
		},
		Oracle: OracleConfig{
			AccumulationWindow: 35 * time.Millisecond,
			WaiterTimeout:      5 * time.Second,
			ResultK:            20,
			InputQueueCapacity: 256,
		},
		Lifecycle: LifecycleConfig{
			Interval:       45 * time.Second,
			TrashRetention: 30 * 24 * time.Hour,
		},
		Inode: InodeConfig{
			EphemeralCapacity: 4096,
		},
	}
}

// Load loads configuration using the real OS environment and an optional
// config file at $XDG_CONFIG_HOME/magicfs/config.yaml.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the supplied environment lookup, so
// tests can exercise config resolution without touching the real
// environment or filesystem.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if path := configPathWithEnv(getenv); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.DataDir = dataDirWithEnv(getenv)
	if logFile := getenv("MAGICFS_LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}

	return cfg, nil
}

// dataDirWithEnv resolves $MAGICFS_DATA_DIR, defaulting to $XDG_DATA_HOME/magicfs.
func dataDirWithEnv(getenv func(string) string) string {
	if dir := getenv("MAGICFS_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "magicfs")
	}
	home := getenv("HOME")
	return filepath.Join(home, ".local", "share", "magicfs")
}

func configPathWithEnv(getenv func(string) string) string {
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "magicfs", "config.yaml")
	}
	home := getenv("HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "magicfs", "config.yaml")
}

// InboxDir returns the system inbox directory under DataDir.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataDir, "inbox")
}

// MovedDir returns the neutral registered location used for inbox->tag
// atomic-save moves (spec.md §4.6 rename table).
func (c *Config) MovedDir() string {
	return filepath.Join(c.InboxDir(), "_moved")
}

// DBPath returns the path to the Repository's main database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "index.db")
}
