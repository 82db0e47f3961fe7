package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	DefaultCatalogFileName = "CATALOG"
	CurrentCatalogVersion  = 1
)

var (
	ErrCatalogNotFound = errors.New("catalog not found")
	ErrInvalidCatalog  = errors.New("invalid catalog")
)

// catalogFile is the on-disk form of a catalog
type catalogFile struct {
	Version   int                     `json:"version"`
	Timestamp int64                   `json:"timestamp"`
	Stores    map[string]*StoreConfig `json:"stores"`
}

// Catalog lists the persisted stores of a data directory so they can be
// reopened together
type Catalog struct {
	Dir        string
	LastUpdate time.Time

	stores map[string]*StoreConfig
	mu     sync.RWMutex
}

// NewCatalog creates an empty catalog for dir
func NewCatalog(dir string) *Catalog {
	return &Catalog{
		Dir:        dir,
		LastUpdate: time.Now(),
		stores:     make(map[string]*StoreConfig),
	}
}

// LoadCatalog reads the catalog of dir
func LoadCatalog(dir string) (*Catalog, error) {
	path := filepath.Join(dir, DefaultCatalogFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCatalogNotFound
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if f.Version <= 0 || f.Version > CurrentCatalogVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidCatalog, f.Version)
	}

	c := NewCatalog(dir)
	for name, sc := range f.Stores {
		if sc == nil || sc.Name != name {
			return nil, fmt.Errorf("%w: entry %q does not match its store", ErrInvalidCatalog, name)
		}
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("%w: store %q: %v", ErrInvalidCatalog, name, err)
		}
		c.stores[name] = sc
	}
	c.LastUpdate = time.Unix(0, f.Timestamp)
	return c, nil
}

// Save writes the catalog atomically
func (c *Catalog) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	now := time.Now()
	data, err := json.MarshalIndent(catalogFile{
		Version:   CurrentCatalogVersion,
		Timestamp: now.UnixNano(),
		Stores:    c.stores,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	path := filepath.Join(c.Dir, DefaultCatalogFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename catalog: %w", err)
	}

	c.LastUpdate = now
	return nil
}

// AddStore records a persisted store. In-memory stores are ignored.
func (c *Catalog) AddStore(sc *StoreConfig) error {
	if sc.Mode != Persisted {
		return nil
	}
	if err := sc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores[sc.Name] = sc.Clone()
	return nil
}

// RemoveStore drops a store from the catalog
func (c *Catalog) RemoveStore(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stores, name)
}

// Store returns a copy of the configuration recorded for name
func (c *Catalog) Store(name string) (*StoreConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.stores[name]
	if !ok {
		return nil, false
	}
	return sc.Clone(), true
}

// Names returns the recorded store names in sorted order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of recorded stores
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stores)
}
