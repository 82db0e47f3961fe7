package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/fsnotify/fsnotify"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err == nil {
		t.Fatalf("expected persisted defaults without data dir to fail, got %+v", cfg)
	}

	t.Setenv("KVJOURNAL_DATA_DIR", t.TempDir())
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.DefaultSizeMB != DefaultSizeMB || cfg.LoadFactorLimit != DefaultLoadFactorLimit {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load("", WithOverride("default_mode", "memory"))
	if err != nil {
		t.Fatalf("in-memory defaults should not need a data dir: %v", err)
	}
	if cfg.DefaultMode != InMemory {
		t.Errorf("expected in_memory, got %s", cfg.DefaultMode)
	}

	t.Setenv("KVJOURNAL_DATA_DIR", "/from/env")
	cfg, err = Load("", WithOverride("data_dir", "/from/flag"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/from/flag" {
		t.Errorf("override should beat the environment, got %s", cfg.DataDir)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "kvjournal.yaml")
	writeFile(t, yamlPath, `
data_dir: /srv/journal
default_mode: memory
default_size_mb: 64
log_level: debug
telemetry:
  service_name: journal-test
`)

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("failed to load yaml: %v", err)
	}
	if cfg.DataDir != "/srv/journal" || cfg.DefaultSizeMB != 64 || cfg.LogLevel != "debug" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.DefaultMode != InMemory {
		t.Errorf("expected short mode name to be normalized, got %q", cfg.DefaultMode)
	}
	if cfg.Telemetry.ServiceName != "journal-test" {
		t.Errorf("nested telemetry value not applied: %q", cfg.Telemetry.ServiceName)
	}
	// Unset keys keep their defaults
	if cfg.IndexGrowMB != DefaultIndexGrowMB {
		t.Errorf("expected default index growth, got %d", cfg.IndexGrowMB)
	}

	jsonPath := filepath.Join(dir, "kvjournal.json")
	writeFile(t, jsonPath, `{"data_dir": "/srv/json", "load_factor_limit": 80}`)

	t.Setenv("KVJOURNAL_LOAD_FACTOR_LIMIT", "60")
	cfg, err = Load(jsonPath)
	if err != nil {
		t.Fatalf("failed to load json: %v", err)
	}
	if cfg.LoadFactorLimit != 60 {
		t.Errorf("expected environment to override file, got %d", cfg.LoadFactorLimit)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	badPath := filepath.Join(dir, "bad.yaml")
	writeFile(t, badPath, "data_dir: /x\ndefault_size_mb: 0\n")
	if _, err := Load(badPath); err == nil {
		t.Error("expected zero size to be rejected")
	}
}

func TestReloadHandler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvjournal.yaml")
	writeFile(t, path, "data_dir: /srv/a\ndefault_size_mb: 16\n")

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}

	var got []*Config
	handler := reloadHandler(v, log.NewNop(), func(c *Config) { got = append(got, c) })

	// Viper re-reads the file before invoking the handler
	writeFile(t, path, "data_dir: /srv/b\ndefault_size_mb: 32\n")
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	handler(fsnotify.Event{Name: path, Op: fsnotify.Write})

	if len(got) != 1 || got[0].DefaultSizeMB != 32 || got[0].DataDir != "/srv/b" {
		t.Fatalf("reload not delivered: %+v", got)
	}

	// Chmod events are ignored
	handler(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	if len(got) != 1 {
		t.Errorf("chmod triggered a reload")
	}

	// Invalid revisions are skipped
	writeFile(t, path, "data_dir: /srv/c\ndefault_size_mb: 0\n")
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	handler(fsnotify.Event{Name: path, Op: fsnotify.Write})
	if len(got) != 1 {
		t.Errorf("invalid revision delivered")
	}
}
