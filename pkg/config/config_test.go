package config

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/testdb")

	if cfg.Version != CurrentConfigVersion {
		t.Errorf("expected version %d, got %d", CurrentConfigVersion, cfg.Version)
	}
	if cfg.DefaultMode != Persisted {
		t.Errorf("expected default mode %q, got %q", Persisted, cfg.DefaultMode)
	}
	if !cfg.ReuseExisting {
		t.Error("expected existing files to be reused by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{
			name:   "invalid version",
			mutate: func(c *Config) { c.Version = 0 },
			target: ErrInvalidConfig,
		},
		{
			name:   "persisted without data dir",
			mutate: func(c *Config) { c.DataDir = "" },
			target: ErrInvalidConfig,
		},
		{
			name:   "unknown mode",
			mutate: func(c *Config) { c.DefaultMode = "tape" },
			target: ErrInvalidConfig,
		},
		{
			name:   "oversized journal",
			mutate: func(c *Config) { c.DefaultSizeMB = MaxSizeMB + 1 },
			target: ErrSizeTooLarge,
		},
		{
			name:   "load factor out of range",
			mutate: func(c *Config) { c.LoadFactorLimit = 100 },
			target: ErrInvalidConfig,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig("/tmp/testdb")
			tc.mutate(cfg)

			err := cfg.Validate()
			if !errors.Is(err, tc.target) {
				t.Errorf("expected %v, got %v", tc.target, err)
			}
		})
	}

	// In-memory stores do not need a directory
	cfg := NewDefaultConfig("")
	cfg.DefaultMode = InMemory
	if err := cfg.Validate(); err != nil {
		t.Errorf("in-memory config without data dir rejected: %v", err)
	}
}

func TestParseStorageMode(t *testing.T) {
	tests := []struct {
		in      string
		want    StorageMode
		wantErr bool
	}{
		{"in_memory", InMemory, false},
		{"Memory", InMemory, false},
		{"persisted", Persisted, false},
		{" file ", Persisted, false},
		{"disk", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStorageMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStorageMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStorageMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStoreConfig(t *testing.T) {
	sc := &StoreConfig{Name: "users", Folder: "/data", Mode: Persisted, SizeMB: 4}
	if err := sc.ApplyDefaults(); err != nil {
		t.Fatalf("failed to apply defaults: %v", err)
	}

	// Explicit values survive, zero values are filled
	if sc.SizeMB != 4 || sc.Mode != Persisted || sc.Folder != "/data" {
		t.Errorf("explicit settings overwritten: %+v", sc)
	}
	if sc.IndexSizeMB != DefaultIndexSizeMB || sc.LoadFactorLimit != DefaultLoadFactorLimit {
		t.Errorf("defaults not applied: %+v", sc)
	}
	if err := sc.Validate(); err != nil {
		t.Fatalf("store config failed validation: %v", err)
	}

	if got, want := sc.JournalPath(), filepath.Join("/data", "usersjournal"); got != want {
		t.Errorf("journal path %q, expected %q", got, want)
	}
	if got, want := sc.IndexPath(), filepath.Join("/data", "usersjournalIndex"); got != want {
		t.Errorf("index path %q, expected %q", got, want)
	}

	mem := NewDefaultStoreConfig("cache")
	if mem.JournalPath() != "" || mem.IndexPath() != "" {
		t.Error("in-memory store should have no file paths")
	}

	bad := NewDefaultStoreConfig("a/b")
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected invalid name to be rejected, got %v", err)
	}

	big := NewDefaultStoreConfig("big")
	big.SizeMB = MaxSizeMB + 1
	if err := big.Validate(); !errors.Is(err, ErrSizeTooLarge) {
		t.Errorf("expected ErrSizeTooLarge, got %v", err)
	}
}

func TestStoreDefaults(t *testing.T) {
	cfg := NewDefaultConfig("/var/lib/kvjournal")
	cfg.Update(func(c *Config) {
		c.DefaultSizeMB = 32
		c.ReuseExisting = false
	})

	sc := cfg.StoreDefaults("orders")
	if sc.Name != "orders" || sc.Folder != "/var/lib/kvjournal" {
		t.Errorf("unexpected identity: %+v", sc)
	}
	if sc.SizeMB != 32 || sc.ReuseExisting {
		t.Errorf("updated defaults not applied: %+v", sc)
	}
}
