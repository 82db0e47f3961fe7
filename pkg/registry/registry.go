// Package registry manages the named stores of one process.
//
// A Registry is an ordinary value owned by its creator; there is no package
// level registry. Persisted stores are recorded in the catalog of the data
// directory so OpenCatalog can bring them back after a restart.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/store"
	"github.com/KevoDB/kvjournal/pkg/telemetry"
	"github.com/dolthub/swiss"
	"github.com/nqd/flat"
)

var (
	ErrStoreExists   = errors.New("store already exists")
	ErrStoreNotFound = errors.New("store not found")
	ErrClosed        = errors.New("registry is closed")
)

// initialCapacity sizes the store map for a typical number of stores
const initialCapacity = 16

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger handed to the registry and its stores
func WithLogger(logger log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTelemetry sets the telemetry handed to every store
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(r *Registry) {
		r.tel = tel
	}
}

// Registry maps store names to open stores
type Registry struct {
	mu      sync.RWMutex
	cfg     *config.Config
	stores  *swiss.Map[string, *store.Store]
	catalog *config.Catalog
	closed  bool

	logger log.Logger
	tel    telemetry.Telemetry
}

// New creates a registry. A nil cfg gives an in-memory registry without a
// data directory. When cfg names a data directory its catalog is loaded, but
// the stores it lists are only opened by OpenCatalog.
func New(cfg *config.Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig("")
		cfg.DefaultMode = config.InMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:    cfg,
		stores: swiss.NewMap[string, *store.Store](initialCapacity),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.OrDefault(r.logger)

	if cfg.DataDir != "" {
		cat, err := config.LoadCatalog(cfg.DataDir)
		switch {
		case errors.Is(err, config.ErrCatalogNotFound):
			cat = config.NewCatalog(cfg.DataDir)
		case err != nil:
			r.logger.Error("Failed to load catalog from %s: %v", cfg.DataDir, err)
			return nil, err
		}
		r.catalog = cat
	}
	return r, nil
}

func (r *Registry) storeOptions() store.Options {
	return store.Options{Logger: r.logger, Telemetry: r.tel}
}

// CreateStore creates a store with the registry defaults, overriding mode
// and sizes. An empty mode and zero sizes keep the defaults.
func (r *Registry) CreateStore(name string, mode config.StorageMode, sizeMB, indexSizeMB int) (*store.Store, error) {
	sc := r.cfg.StoreDefaults(name)
	if mode != "" {
		sc.Mode = mode
	}
	if sizeMB != 0 {
		sc.SizeMB = sizeMB
	}
	if indexSizeMB != 0 {
		sc.IndexSizeMB = indexSizeMB
	}
	return r.CreateStoreWithConfig(sc)
}

// CreateStoreWithConfig opens a store from a full configuration. A failed
// creation leaves no entry behind.
func (r *Registry) CreateStoreWithConfig(sc *config.StoreConfig) (*store.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.stores.Has(sc.Name) {
		return nil, fmt.Errorf("%w: %s", ErrStoreExists, sc.Name)
	}

	sc = sc.Clone()
	if sc.Mode == config.Persisted && sc.Folder == "" {
		sc.Folder = r.cfg.DataDir
	}

	st, err := store.Open(sc, r.storeOptions())
	if err != nil {
		r.logger.Error("Failed to create store %s: %v", sc.Name, err)
		return nil, err
	}
	r.stores.Put(sc.Name, st)
	r.recordLocked(st)

	r.logger.Info("Created %s store %s", sc.Mode, sc.Name)
	return st, nil
}

// recordLocked adds a persisted store to the catalog. Catalog failures are
// logged; the store itself stays usable.
func (r *Registry) recordLocked(st *store.Store) {
	if r.catalog == nil {
		return
	}
	sc := st.Config()
	if sc.Mode != config.Persisted {
		return
	}
	if err := r.catalog.AddStore(sc); err != nil {
		r.logger.Warn("Failed to record store %s in catalog: %v", sc.Name, err)
		return
	}
	if err := r.catalog.Save(); err != nil {
		r.logger.Warn("Failed to save catalog: %v", err)
	}
}

// GetStore returns the open store called name
func (r *Registry) GetStore(name string) (*store.Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false
	}
	return r.stores.Get(name)
}

func (r *Registry) lookup(name string) (*store.Store, error) {
	st, ok := r.GetStore(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return st, nil
}

// DeleteStore removes a store from the registry and destroys its data
func (r *Registry) DeleteStore(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	st, ok := r.stores.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	r.stores.Delete(name)

	if r.catalog != nil {
		if _, listed := r.catalog.Store(name); listed {
			r.catalog.RemoveStore(name)
			if err := r.catalog.Save(); err != nil {
				r.logger.Warn("Failed to save catalog: %v", err)
			}
		}
	}

	if err := st.Delete(); err != nil {
		r.logger.Error("Failed to delete store %s: %v", name, err)
		return err
	}
	r.logger.Info("Deleted store %s", name)
	return nil
}

// Names returns the names of the open stores in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, r.stores.Count())
	r.stores.Iter(func(name string, _ *store.Store) bool {
		names = append(names, name)
		return false
	})
	sort.Strings(names)
	return names
}

// Len returns the number of open stores
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stores.Count()
}

// Catalog returns the catalog of the data directory, nil without one
func (r *Registry) Catalog() *config.Catalog {
	return r.catalog
}

// Put stores value under key in the named store, typed by its Go type
func (r *Registry) Put(storeName, key string, value interface{}) error {
	st, err := r.lookup(storeName)
	if err != nil {
		return err
	}
	return st.Put(key, value)
}

// PutRaw stores an encoded value of type t in the named store
func (r *Registry) PutRaw(storeName, key string, t record.Type, value []byte) error {
	st, err := r.lookup(storeName)
	if err != nil {
		return err
	}
	return st.PutRaw(key, t, value)
}

// Get returns the encoded value of key in the named store and its type
func (r *Registry) Get(storeName, key string) (record.Type, []byte, error) {
	st, err := r.lookup(storeName)
	if err != nil {
		return record.TypeEmpty, nil, err
	}
	return st.GetRaw(key)
}

// GetAs returns the encoded value of key when it holds type t
func (r *Registry) GetAs(storeName, key string, t record.Type) ([]byte, error) {
	st, err := r.lookup(storeName)
	if err != nil {
		return nil, err
	}
	return st.GetRawAs(key, t)
}

// Remove deletes key from the named store
func (r *Registry) Remove(storeName, key string) error {
	st, err := r.lookup(storeName)
	if err != nil {
		return err
	}
	return st.Remove(key)
}

// IterateStart rewinds the scan cursor of the named store
func (r *Registry) IterateStart(storeName string) (store.Record, bool) {
	st, err := r.lookup(storeName)
	if err != nil {
		return store.Record{}, false
	}
	return st.IterateStart()
}

// IterateNext continues the scan of the named store
func (r *Registry) IterateNext(storeName string) (store.Record, bool) {
	st, err := r.lookup(storeName)
	if err != nil {
		return store.Record{}, false
	}
	return st.IterateNext()
}

// StoreStats returns the stats of the named store
func (r *Registry) StoreStats(storeName string) (store.Stats, error) {
	st, err := r.lookup(storeName)
	if err != nil {
		return store.Stats{}, err
	}
	return st.Stats(), nil
}

// Stats returns the stats of every open store flattened into dotted keys,
// e.g. "users.record_count" or "users.operations.put_ops".
func (r *Registry) Stats() (map[string]interface{}, error) {
	r.mu.RLock()
	nested := make(map[string]interface{}, r.stores.Count())
	r.stores.Iter(func(name string, st *store.Store) bool {
		nested[name] = st.GetStats()
		return false
	})
	r.mu.RUnlock()

	return flat.Flatten(nested, &flat.Options{
		Delimiter: ".",
		MaxDepth:  8,
		Safe:      true,
	})
}

// OpenCatalog opens every persisted store listed in the catalog that is not
// open yet, recovering its existing files. It returns the names it opened.
// Stores that fail to open are skipped and reported in the error.
func (r *Registry) OpenCatalog() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.catalog == nil {
		return nil, nil
	}

	var opened []string
	var errs []error
	for _, name := range r.catalog.Names() {
		if r.stores.Has(name) {
			continue
		}
		sc, _ := r.catalog.Store(name)
		sc.ReuseExisting = true

		st, err := store.Open(sc, r.storeOptions())
		if err != nil {
			r.logger.Error("Failed to reopen store %s from catalog: %v", name, err)
			errs = append(errs, fmt.Errorf("store %s: %w", name, err))
			continue
		}
		r.stores.Put(name, st)
		opened = append(opened, name)
	}

	if len(opened) > 0 {
		r.logger.Info("Reopened %d stores from catalog", len(opened))
	}
	return opened, errors.Join(errs...)
}

// UpdateDefaults replaces the settings used for stores created from now on.
// Open stores keep their configuration and the data directory cannot change.
func (r *Registry) UpdateDefaults(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.DataDir != r.cfg.DataDir {
		r.logger.Warn("Ignoring data directory change from %s to %s", r.cfg.DataDir, cfg.DataDir)
	}
	r.cfg.Update(func(c *config.Config) {
		c.DefaultMode = cfg.DefaultMode
		c.DefaultSizeMB = cfg.DefaultSizeMB
		c.DefaultIndexSizeMB = cfg.DefaultIndexSizeMB
		c.ReuseExisting = cfg.ReuseExisting
		c.JournalGrowMB = cfg.JournalGrowMB
		c.IndexGrowMB = cfg.IndexGrowMB
		c.LoadFactorLimit = cfg.LoadFactorLimit
	})
	r.logger.Info("Updated store defaults")
	return nil
}

// Sync flushes every open store
func (r *Registry) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	r.stores.Iter(func(name string, st *store.Store) bool {
		if err := st.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", name, err))
		}
		return false
	})
	return errors.Join(errs...)
}

// Close closes every store. Persisted stores remain on disk.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	r.stores.Iter(func(name string, st *store.Store) bool {
		if err := st.Close(); err != nil {
			r.logger.Error("Failed to close store %s: %v", name, err)
			errs = append(errs, fmt.Errorf("store %s: %w", name, err))
		}
		return false
	})
	r.stores.Clear()
	return errors.Join(errs...)
}
