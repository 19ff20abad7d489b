package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	if cfg.Indexer.DebounceWindow != 300*time.Millisecond {
		t.Errorf("DefaultConfig() Indexer.DebounceWindow = %v, want %v", cfg.Indexer.DebounceWindow, 300*time.Millisecond)
	}
	if cfg.Indexer.BusyRetryAttempts != 5 {
		t.Errorf("DefaultConfig() Indexer.BusyRetryAttempts = %d, want 5", cfg.Indexer.BusyRetryAttempts)
	}
	if cfg.Indexer.MaxFileSizeBytes != 10*1024*1024 {
		t.Errorf("DefaultConfig() Indexer.MaxFileSizeBytes = %d, want %d", cfg.Indexer.MaxFileSizeBytes, 10*1024*1024)
	}

	if cfg.Oracle.AccumulationWindow != 35*time.Millisecond {
		t.Errorf("DefaultConfig() Oracle.AccumulationWindow = %v, want %v", cfg.Oracle.AccumulationWindow, 35*time.Millisecond)
	}
	if cfg.Oracle.ResultK != 20 {
		t.Errorf("DefaultConfig() Oracle.ResultK = %d, want 20", cfg.Oracle.ResultK)
	}

	if cfg.Lifecycle.TrashRetention != 30*24*time.Hour {
		t.Errorf("DefaultConfig() Lifecycle.TrashRetention = %v, want %v", cfg.Lifecycle.TrashRetention, 30*24*time.Hour)
	}

	if cfg.Inode.EphemeralCapacity != 4096 {
		t.Errorf("DefaultConfig() Inode.EphemeralCapacity = %d, want 4096", cfg.Inode.EphemeralCapacity)
	}

	// MountPoint/Roots/LogFile come from the CLI args and environment, not
	// from DefaultConfig.
	if cfg.MountPoint != "" {
		t.Errorf("DefaultConfig() MountPoint = %q, want empty", cfg.MountPoint)
	}
	if len(cfg.Roots) != 0 {
		t.Errorf("DefaultConfig() Roots = %v, want empty", cfg.Roots)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "magicfs")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
indexer:
  debounce_window: 500ms
  busy_retry_attempts: 3
oracle:
  accumulation_window: 50ms
  result_k: 10
lifecycle:
  trash_retention: 168h
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
		"XDG_DATA_HOME":   tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Indexer.DebounceWindow != 500*time.Millisecond {
		t.Errorf("LoadWithEnv() Indexer.DebounceWindow = %v, want %v", cfg.Indexer.DebounceWindow, 500*time.Millisecond)
	}
	if cfg.Indexer.BusyRetryAttempts != 3 {
		t.Errorf("LoadWithEnv() Indexer.BusyRetryAttempts = %d, want 3", cfg.Indexer.BusyRetryAttempts)
	}
	if cfg.Oracle.AccumulationWindow != 50*time.Millisecond {
		t.Errorf("LoadWithEnv() Oracle.AccumulationWindow = %v, want %v", cfg.Oracle.AccumulationWindow, 50*time.Millisecond)
	}
	if cfg.Oracle.ResultK != 10 {
		t.Errorf("LoadWithEnv() Oracle.ResultK = %d, want 10", cfg.Oracle.ResultK)
	}
	if cfg.Lifecycle.TrashRetention != 168*time.Hour {
		t.Errorf("LoadWithEnv() Lifecycle.TrashRetention = %v, want %v", cfg.Lifecycle.TrashRetention, 168*time.Hour)
	}

	// Untouched sections keep their defaults.
	if cfg.Indexer.ChunkTokens != 256 {
		t.Errorf("LoadWithEnv() Indexer.ChunkTokens = %d, want 256 (default)", cfg.Indexer.ChunkTokens)
	}
	if cfg.Inode.EphemeralCapacity != 4096 {
		t.Errorf("LoadWithEnv() Inode.EphemeralCapacity = %d, want 4096 (default)", cfg.Inode.EphemeralCapacity)
	}
}

func TestLoadEnvOverridesDataDir(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":  tmpDir,
		"MAGICFS_DATA_DIR": "/custom/data/dir",
		"XDG_DATA_HOME":    tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.DataDir != "/custom/data/dir" {
		t.Errorf("LoadWithEnv() DataDir = %q, want %q (MAGICFS_DATA_DIR override)", cfg.DataDir, "/custom/data/dir")
	}
}

func TestLoadDataDirFallsBackToXDG(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
		"XDG_DATA_HOME":   tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	want := filepath.Join(tmpDir, "magicfs")
	if cfg.DataDir != want {
		t.Errorf("LoadWithEnv() DataDir = %q, want %q", cfg.DataDir, want)
	}
}

func TestLoadLogFileFromEnv(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":  tmpDir,
		"XDG_DATA_HOME":    tmpDir,
		"MAGICFS_LOG_FILE": "/var/log/magicfs.log",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.LogFile != "/var/log/magicfs.log" {
		t.Errorf("LoadWithEnv() LogFile = %q, want %q", cfg.LogFile, "/var/log/magicfs.log")
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
		"XDG_DATA_HOME":   tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Indexer.DebounceWindow != 300*time.Millisecond {
		t.Errorf("LoadWithEnv() without file should use default DebounceWindow, got %v", cfg.Indexer.DebounceWindow)
	}
	if cfg.Oracle.ResultK != 20 {
		t.Errorf("LoadWithEnv() without file should use default Oracle.ResultK, got %d", cfg.Oracle.ResultK)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "magicfs")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := `
indexer: [this is invalid yaml
oracle:
  accumulation_window: not a duration
`
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	path := configPathWithEnv(env)
	expected := filepath.Join(tmpDir, "magicfs", "config.yaml")
	if path != expected {
		t.Errorf("configPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{
		"HOME": "/home/tester",
	})

	path := configPathWithEnv(env)
	expected := filepath.Join("/home/tester", ".config", "magicfs", "config.yaml")
	if path != expected {
		t.Errorf("configPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestDataDirDefaultsUnderHome(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{
		"HOME": "/home/tester",
	})

	dir := dataDirWithEnv(env)
	expected := filepath.Join("/home/tester", ".local", "share", "magicfs")
	if dir != expected {
		t.Errorf("dataDirWithEnv() = %q, want %q", dir, expected)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "magicfs")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	// Only set indexer debounce window, leave everything else to defaults.
	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
indexer:
  debounce_window: 1s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
		"XDG_DATA_HOME":   tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Indexer.DebounceWindow != 1*time.Second {
		t.Errorf("LoadWithEnv() Indexer.DebounceWindow = %v, want %v", cfg.Indexer.DebounceWindow, 1*time.Second)
	}

	// Default values preserved (this is how YAML unmarshaling works with
	// pre-initialized structs).
	if cfg.Indexer.BusyRetryAttempts != 5 {
		t.Errorf("LoadWithEnv() Indexer.BusyRetryAttempts = %d, want 5 (default)", cfg.Indexer.BusyRetryAttempts)
	}
	if cfg.Oracle.AccumulationWindow != 35*time.Millisecond {
		t.Errorf("LoadWithEnv() Oracle.AccumulationWindow = %v, want %v (default)", cfg.Oracle.AccumulationWindow, 35*time.Millisecond)
	}
}

func TestHelperPaths(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DataDir = "/data/magicfs"

	if got, want := cfg.InboxDir(), filepath.Join("/data/magicfs", "inbox"); got != want {
		t.Errorf("InboxDir() = %q, want %q", got, want)
	}
	if got, want := cfg.MovedDir(), filepath.Join("/data/magicfs", "inbox", "_moved"); got != want {
		t.Errorf("MovedDir() = %q, want %q", got, want)
	}
	if got, want := cfg.DBPath(), filepath.Join("/data/magicfs", "index.db"); got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
}
