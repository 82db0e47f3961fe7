package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KevoDB/kvjournal/pkg/telemetry"
	"github.com/imdario/mergo"
)

const (
	CurrentConfigVersion = 1

	// MB is the unit of every size setting
	MB = 1024 * 1024

	// MaxSizeMB is the largest journal or index a store may be created with
	MaxSizeMB = 1 << 16

	DefaultSizeMB          = 10
	DefaultIndexSizeMB     = 1
	DefaultJournalGrowMB   = 10
	DefaultIndexGrowMB     = 2
	DefaultLoadFactorLimit = 70

	// File names are derived from the store name with these suffixes
	JournalSuffix = "journal"
	IndexSuffix   = "journalIndex"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrSizeTooLarge  = errors.New("requested size exceeds maximum")
)

// StorageMode selects where a store keeps its journal and index
type StorageMode string

const (
	InMemory  StorageMode = "in_memory"
	Persisted StorageMode = "persisted"
)

// ParseStorageMode accepts the mode names plus the short forms "memory" and "file"
func ParseStorageMode(s string) (StorageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_memory", "memory", "mem":
		return InMemory, nil
	case "persisted", "file", "mmap":
		return Persisted, nil
	default:
		return "", fmt.Errorf("%w: unknown storage mode %q", ErrInvalidConfig, s)
	}
}

// Valid reports whether m names a known mode
func (m StorageMode) Valid() bool {
	return m == InMemory || m == Persisted
}

// StoreConfig holds the settings of one store
type StoreConfig struct {
	Name   string      `json:"name" mapstructure:"name"`
	Folder string      `json:"folder" mapstructure:"folder"`
	Mode   StorageMode `json:"mode" mapstructure:"mode"`

	// Initial capacities
	SizeMB      int `json:"size_mb" mapstructure:"size_mb"`
	IndexSizeMB int `json:"index_size_mb" mapstructure:"index_size_mb"`

	// ReuseExisting recovers existing files instead of rotating them away
	ReuseExisting bool `json:"reuse_existing" mapstructure:"reuse_existing"`

	// Growth settings
	JournalGrowMB   int `json:"journal_grow_mb" mapstructure:"journal_grow_mb"`
	IndexGrowMB     int `json:"index_grow_mb" mapstructure:"index_grow_mb"`
	LoadFactorLimit int `json:"load_factor_limit" mapstructure:"load_factor_limit"`
}

// NewDefaultStoreConfig creates an in-memory store configuration with default sizes
func NewDefaultStoreConfig(name string) *StoreConfig {
	return &StoreConfig{
		Name:            name,
		Mode:            InMemory,
		SizeMB:          DefaultSizeMB,
		IndexSizeMB:     DefaultIndexSizeMB,
		JournalGrowMB:   DefaultJournalGrowMB,
		IndexGrowMB:     DefaultIndexGrowMB,
		LoadFactorLimit: DefaultLoadFactorLimit,
	}
}

// ApplyDefaults fills every zero field from NewDefaultStoreConfig
func (c *StoreConfig) ApplyDefaults() error {
	if err := mergo.Merge(c, NewDefaultStoreConfig(c.Name)); err != nil {
		return fmt.Errorf("failed to apply store defaults: %w", err)
	}
	return nil
}

// Validate checks if the store configuration is valid
func (c *StoreConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: store name not specified", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == ".." {
		return fmt.Errorf("%w: store name %q is not a valid file name", ErrInvalidConfig, c.Name)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: unknown storage mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.Mode == Persisted && c.Folder == "" {
		return fmt.Errorf("%w: persisted store %q needs a folder", ErrInvalidConfig, c.Name)
	}

	if c.SizeMB <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrInvalidConfig)
	}
	if c.SizeMB > MaxSizeMB {
		return fmt.Errorf("%w: size %dMB > %dMB", ErrSizeTooLarge, c.SizeMB, MaxSizeMB)
	}
	if c.IndexSizeMB <= 0 {
		return fmt.Errorf("%w: index size must be positive", ErrInvalidConfig)
	}
	if c.IndexSizeMB > MaxSizeMB {
		return fmt.Errorf("%w: index size %dMB > %dMB", ErrSizeTooLarge, c.IndexSizeMB, MaxSizeMB)
	}

	if c.JournalGrowMB <= 0 || c.IndexGrowMB <= 0 {
		return fmt.Errorf("%w: growth increments must be positive", ErrInvalidConfig)
	}
	if c.LoadFactorLimit <= 0 || c.LoadFactorLimit >= 100 {
		return fmt.Errorf("%w: load factor limit must be between 1 and 99", ErrInvalidConfig)
	}

	return nil
}

// JournalPath returns the journal file, "<folder>/<name>journal"
func (c *StoreConfig) JournalPath() string {
	if c.Mode != Persisted {
		return ""
	}
	return filepath.Join(c.Folder, c.Name+JournalSuffix)
}

// IndexPath returns the index file, "<folder>/<name>journalIndex"
func (c *StoreConfig) IndexPath() string {
	if c.Mode != Persisted {
		return ""
	}
	return filepath.Join(c.Folder, c.Name+IndexSuffix)
}

// Clone returns a copy of the configuration
func (c *StoreConfig) Clone() *StoreConfig {
	cp := *c
	return &cp
}

// Config holds the registry and server settings
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	// DataDir is the folder persisted stores and the catalog live in
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Defaults for stores created without explicit settings
	DefaultMode        StorageMode `json:"default_mode" mapstructure:"default_mode"`
	DefaultSizeMB      int         `json:"default_size_mb" mapstructure:"default_size_mb"`
	DefaultIndexSizeMB int         `json:"default_index_size_mb" mapstructure:"default_index_size_mb"`
	ReuseExisting      bool        `json:"reuse_existing" mapstructure:"reuse_existing"`
	JournalGrowMB      int         `json:"journal_grow_mb" mapstructure:"journal_grow_mb"`
	IndexGrowMB        int         `json:"index_grow_mb" mapstructure:"index_grow_mb"`
	LoadFactorLimit    int         `json:"load_factor_limit" mapstructure:"load_factor_limit"`

	LogLevel   string `json:"log_level" mapstructure:"log_level"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`

	Telemetry telemetry.Config `json:"telemetry" mapstructure:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version:            CurrentConfigVersion,
		DataDir:            dataDir,
		DefaultMode:        Persisted,
		DefaultSizeMB:      DefaultSizeMB,
		DefaultIndexSizeMB: DefaultIndexSizeMB,
		ReuseExisting:      true,
		JournalGrowMB:      DefaultJournalGrowMB,
		IndexGrowMB:        DefaultIndexGrowMB,
		LoadFactorLimit:    DefaultLoadFactorLimit,
		LogLevel:           "info",
		ListenAddr:         "localhost:50051",
		Telemetry:          telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}
	if !c.DefaultMode.Valid() {
		return fmt.Errorf("%w: unknown default mode %q", ErrInvalidConfig, c.DefaultMode)
	}
	if c.DefaultMode == Persisted && c.DataDir == "" {
		return fmt.Errorf("%w: data directory not specified", ErrInvalidConfig)
	}

	if err := c.storeDefaultsLocked("defaults").Validate(); err != nil {
		return err
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// StoreDefaults returns the settings a new store called name gets
func (c *Config) StoreDefaults(name string) *StoreConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storeDefaultsLocked(name)
}

func (c *Config) storeDefaultsLocked(name string) *StoreConfig {
	return &StoreConfig{
		Name:            name,
		Folder:          c.DataDir,
		Mode:            c.DefaultMode,
		SizeMB:          c.DefaultSizeMB,
		IndexSizeMB:     c.DefaultIndexSizeMB,
		ReuseExisting:   c.ReuseExisting,
		JournalGrowMB:   c.JournalGrowMB,
		IndexGrowMB:     c.IndexGrowMB,
		LoadFactorLimit: c.LoadFactorLimit,
	}
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
