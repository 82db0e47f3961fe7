// Package store combines a record journal, a hash index and the journal's
// free list into a typed key-value store.
//
// Every operation on a Store is serialized by a single per-store mutex.
// Distinct stores share nothing and can be used concurrently.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/index"
	"github.com/KevoDB/kvjournal/pkg/journal"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/stats"
	"github.com/KevoDB/kvjournal/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrKeyNotFound is returned for missing keys and for keys holding a
	// value of another type
	ErrKeyNotFound = errors.New("key not found")
	ErrStoreClosed = errors.New("store is closed")
	ErrNilConfig   = errors.New("store configuration is nil")
)

// Options carries the dependencies of a store
type Options struct {
	Logger    log.Logger
	Telemetry telemetry.Telemetry
}

// sizing holds the byte sizes derived from a StoreConfig
type sizing struct {
	journalCapacity int64
	journalGrowBy   int64
	indexSize       int64
	indexGrowBy     int64
}

func sizingFor(cfg *config.StoreConfig) sizing {
	return sizing{
		journalCapacity: int64(cfg.SizeMB) * config.MB,
		journalGrowBy:   int64(cfg.JournalGrowMB) * config.MB,
		indexSize:       int64(cfg.IndexSizeMB) * config.MB,
		indexGrowBy:     int64(cfg.IndexGrowMB) * config.MB,
	}
}

// Store is a named typed key-value store
type Store struct {
	mu sync.Mutex

	cfg     *config.StoreConfig
	journal *journal.Journal
	index   *index.Index

	// cursor is the scan position of IterateStart/IterateNext
	cursor int64
	// records counts successful puts, seeded with the active records found on reopen
	records int64
	closed  bool

	stats   *stats.AtomicCollector
	metrics StoreMetrics
	tel     telemetry.Telemetry
	logger  log.Logger
}

// Open creates the store described by cfg, or reopens it when cfg is
// persisted with ReuseExisting set. Invalid or oversized configurations are
// rejected before anything is allocated.
func Open(cfg *config.StoreConfig, opts Options) (*Store, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	cfg = cfg.Clone()
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return open(cfg, opts, sizingFor(cfg))
}

func open(cfg *config.StoreConfig, opts Options, sz sizing) (*Store, error) {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	base := log.OrDefault(opts.Logger)

	s := &Store{
		cfg:     cfg,
		stats:   stats.NewAtomicCollector(),
		metrics: NewStoreMetrics(opts.Telemetry, cfg.Name),
		tel:     tel,
		logger:  log.ForComponent(base, "store", cfg.Name),
	}

	if cfg.Mode == config.Persisted {
		if err := os.MkdirAll(cfg.Folder, 0755); err != nil {
			s.logger.Error("Failed to create store folder %s: %v", cfg.Folder, err)
			return nil, fmt.Errorf("failed to create store folder: %w", err)
		}
	}

	recoveryStart := s.stats.StartRecovery()

	j, err := journal.Open(journal.Options{
		Name:     cfg.Name,
		Path:     cfg.JournalPath(),
		Capacity: sz.journalCapacity,
		GrowBy:   sz.journalGrowBy,
		Reuse:    cfg.ReuseExisting,
		Logger:   base,
		Metrics:  journal.NewJournalMetrics(opts.Telemetry, cfg.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	idx, err := index.Open(index.Options{
		Name:    cfg.Name,
		Path:    cfg.IndexPath(),
		Size:    sz.indexSize,
		GrowBy:  sz.indexGrowBy,
		Reuse:   cfg.ReuseExisting,
		Logger:  base,
		Metrics: index.NewIndexMetrics(opts.Telemetry, cfg.Name),
	})
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	s.journal = j
	s.index = idx
	if err := s.reconcile(recoveryStart); err != nil {
		idx.Close()
		j.Close()
		return nil, err
	}

	s.cursor = j.First()
	s.trackCapacity()
	s.logger.Info("Opened %s store: %d records, journal %d bytes, index %d slots",
		cfg.Mode, s.records, j.Capacity(), idx.Slots())
	return s, nil
}

// reconcile makes the index agree with the journal after open. An index
// without its journal is cleared; a reopened journal whose index is missing
// or disagrees with it gets the index rebuilt from the keys in its records.
func (s *Store) reconcile(recoveryStart time.Time) error {
	if !s.journal.Reopened() {
		if s.index.Len()+s.index.Tombstones() > 0 {
			s.logger.Warn("Discarding %d index entries left without a journal", s.index.Len())
			s.index.Reset()
		}
		return nil
	}

	info := s.journal.Recovery()
	s.records = info.Active
	s.stats.FinishRecovery(recoveryStart, uint64(info.Scanned), uint64(info.Active), uint64(info.Free), info.Fallback)

	switch {
	case !s.index.Loaded():
		s.logger.Info("No index file for existing journal, rebuilding")
	case info.Fallback:
		s.logger.Warn("Journal was recovered by scanning, rebuilding index")
	case s.index.Len() != info.Active:
		s.logger.Warn("Index holds %d entries but journal has %d active records, rebuilding",
			s.index.Len(), info.Active)
	default:
		return nil
	}
	return s.rebuildIndex()
}

func (s *Store) rebuildIndex() error {
	start := time.Now()
	s.index.Reset()

	var entries int64
	off := s.journal.First()
	for {
		e, next, ok := s.journal.ScanFrom(off)
		if !ok {
			break
		}
		prev, replaced, err := s.indexPut(e.Key, e.Offset)
		if err != nil {
			s.logger.Error("Failed to rebuild index at offset %d: %v", e.Offset, err)
			return fmt.Errorf("failed to rebuild index: %w", err)
		}
		if replaced {
			// An overwrite interrupted before the old record was deactivated
			// leaves two active records for one key. The one scanned last wins.
			if _, err := s.journal.Deactivate(prev); err != nil {
				s.logger.Warn("Failed to deactivate duplicate record at %d: %v", prev, err)
			}
		} else {
			entries++
		}
		off = next
	}

	s.stats.TrackOperation(stats.OpRebuild)
	s.metrics.RecordIndexRebuild(context.Background(), time.Since(start), entries)
	s.logger.Info("Rebuilt index with %d entries in %v", entries, time.Since(start))
	return nil
}

// matcher verifies candidate offsets against the key stored in the record
func (s *Store) matcher(key string) index.MatchFunc {
	return func(offset int64) bool {
		return s.journal.KeyEquals(offset, key)
	}
}

// indexPut maps key to offset, growing the index when it is full or once
// the load factor passes the configured limit. When tombstones rather than
// live entries push the table past the limit it is compacted instead.
func (s *Store) indexPut(key string, offset int64) (int64, bool, error) {
	prev, replaced, err := s.index.Put(key, offset, s.matcher(key))
	if errors.Is(err, index.ErrIndexFull) {
		if gerr := s.growIndex(); gerr != nil {
			return 0, false, err
		}
		prev, replaced, err = s.index.Put(key, offset, s.matcher(key))
	}
	if err != nil {
		return 0, false, err
	}

	switch {
	case s.index.Load() > s.cfg.LoadFactorLimit:
		if gerr := s.growIndex(); gerr != nil {
			s.logger.Warn("Index load %d%% above limit and growth failed: %v", s.index.Load(), gerr)
		}
	case s.index.Occupancy() > s.cfg.LoadFactorLimit:
		s.compactIndex()
	}
	return prev, replaced, nil
}

func (s *Store) compactIndex() {
	purged := s.index.Tombstones()
	if err := s.index.Compact(); err != nil {
		s.stats.TrackError("index_compact_error")
		s.logger.Warn("Failed to compact index: %v", err)
		return
	}
	s.stats.TrackOperation(stats.OpCompact)
	s.logger.Debug("Compacted index, %d tombstones cleared", purged)
}

func (s *Store) growIndex() error {
	before := s.index.Slots()
	if err := s.index.Grow(); err != nil {
		s.stats.TrackError("index_grow_error")
		return err
	}
	s.stats.TrackIndexGrowth()
	s.trackCapacity()
	s.logger.Info("Grew index from %d to %d slots", before, s.index.Slots())
	return nil
}

func (s *Store) trackCapacity() {
	s.stats.TrackCapacity(uint64(s.journal.Capacity()), uint64(s.index.Size()))
}

func (s *Store) trackSlot(slot journal.Slot, growthsBefore int64) {
	if slot.Reused {
		s.stats.TrackOperation(stats.OpReuse)
	} else {
		s.stats.TrackOperation(stats.OpAppend)
	}
	if slot.Leftover > 0 {
		s.stats.TrackOperation(stats.OpSplit)
	}
	if s.journal.Growths() > growthsBefore {
		s.stats.TrackJournalGrowth()
		s.trackCapacity()
	}
}

// startOp opens a span for op and returns the function that closes it,
// recording latency, counters and outcome.
func (s *Store) startOp(op stats.OperationType, t record.Type) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrStore, s.cfg.Name),
		attribute.String(telemetry.AttrOperationType, string(op)),
	}
	if t != record.TypeEmpty {
		attrs = append(attrs, attribute.String(telemetry.AttrValueType, t.String()))
	}
	ctx, span := s.tel.StartSpan(context.Background(), "store."+string(op), attrs...)

	return ctx, func(err error) {
		elapsed := time.Since(start)
		s.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))

		status := telemetry.StatusSuccess
		switch {
		case err == nil:
		case errors.Is(err, ErrKeyNotFound):
			status = telemetry.StatusNotFound
			s.stats.TrackOperation(stats.OpMiss)
		default:
			status = telemetry.StatusError
			s.stats.TrackError(string(op) + "_error")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.RecordOperation(ctx, string(op), t, elapsed, status)
		span.End()
	}
}

// put writes a record for key and points the index at it. The record of a
// previous value is deactivated only after the index has moved, so a failed
// put leaves the previous value readable.
func (s *Store) put(key string, t record.Type, value []byte) (err error) {
	ctx, done := s.startOp(stats.OpPut, t)
	defer func() { done(err) }()

	payload, err := record.EncodePayload(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	growths := s.journal.Growths()
	slot, err := s.journal.Put(t, payload)
	if err != nil {
		s.logger.Error("Failed to write record for key %q: %v", key, err)
		return fmt.Errorf("failed to write record: %w", err)
	}
	s.trackSlot(slot, growths)

	prev, replaced, err := s.indexPut(key, slot.Offset)
	if err != nil {
		if _, derr := s.journal.Deactivate(slot.Offset); derr != nil {
			s.logger.Error("Failed to drop unindexed record at %d: %v", slot.Offset, derr)
		}
		s.logger.Error("Failed to index key %q: %v", key, err)
		return fmt.Errorf("failed to index key: %w", err)
	}
	if replaced {
		if _, derr := s.journal.Deactivate(prev); derr != nil {
			s.logger.Warn("Failed to free previous record at %d for key %q: %v", prev, key, derr)
		}
	}

	s.records++
	s.stats.TrackBytes(true, uint64(len(payload)))
	s.metrics.RecordBytes(ctx, telemetry.OpTypePut, int64(len(payload)))
	return nil
}

// get returns the value of key when it holds a value of type t
func (s *Store) get(key string, t record.Type) (value []byte, err error) {
	ctx, done := s.startOp(stats.OpGet, t)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	off, ok := s.index.Get(key, s.matcher(key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	value, err = s.journal.Read(off, t)
	if err != nil {
		if errors.Is(err, journal.ErrTypeMismatch) || errors.Is(err, journal.ErrNotFound) {
			s.logger.Debug("Key %q not readable as %s: %v", key, t, err)
			return nil, ErrKeyNotFound
		}
		s.logger.Error("Failed to read record at %d for key %q: %v", off, key, err)
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	s.stats.TrackBytes(false, uint64(len(value)))
	s.metrics.RecordBytes(ctx, telemetry.OpTypeGet, int64(len(value)))
	return value, nil
}

// getAny returns the value of key together with its stored type
func (s *Store) getAny(key string) (t record.Type, value []byte, err error) {
	ctx, done := s.startOp(stats.OpGet, record.TypeEmpty)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return record.TypeEmpty, nil, ErrStoreClosed
	}

	off, ok := s.index.Get(key, s.matcher(key))
	if !ok {
		return record.TypeEmpty, nil, ErrKeyNotFound
	}
	e, err := s.journal.ReadRecord(off)
	if err != nil || !e.Active {
		return record.TypeEmpty, nil, ErrKeyNotFound
	}

	s.stats.TrackBytes(false, uint64(len(e.Value)))
	s.metrics.RecordBytes(ctx, telemetry.OpTypeGet, int64(len(e.Value)))
	return e.Type, e.Value, nil
}

// Remove deletes key. The record's span is returned to the free list.
func (s *Store) Remove(key string) (err error) {
	_, done := s.startOp(stats.OpRemove, record.TypeEmpty)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	off, ok := s.index.Remove(key, s.matcher(key))
	if !ok {
		return ErrKeyNotFound
	}

	if _, err := s.journal.Deactivate(off); err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			s.logger.Warn("Index pointed key %q at inactive record %d", key, off)
			return ErrKeyNotFound
		}
		// Keep the record reachable
		if _, _, perr := s.index.Put(key, off, s.matcher(key)); perr != nil {
			s.logger.Error("Failed to restore index entry for key %q: %v", key, perr)
		}
		s.logger.Error("Failed to deactivate record at %d for key %q: %v", off, key, err)
		return fmt.Errorf("failed to remove record: %w", err)
	}
	return nil
}

// Contains reports whether key is present with a value of any type
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	_, ok := s.index.Get(key, s.matcher(key))
	return ok
}

// Len returns the number of live keys
func (s *Store) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// Name returns the store name
func (s *Store) Name() string {
	return s.cfg.Name
}

// Config returns a copy of the store configuration
func (s *Store) Config() *config.StoreConfig {
	return s.cfg.Clone()
}

// Sync flushes journal and index to stable storage. It is a no-op for
// in-memory stores.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		s.logger.Error("Failed to sync index: %v", err)
		return fmt.Errorf("failed to sync index: %w", err)
	}
	return nil
}

// Close releases the store. Persisted files stay on disk and can be reopened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
	}
	if err := s.index.Close(); err != nil {
		s.logger.Error("Failed to close index: %v", err)
		errs = append(errs, fmt.Errorf("failed to close index: %w", err))
	}
	s.metrics.Close()

	s.logger.Debug("Closed store")
	return errors.Join(errs...)
}

// Delete irreversibly destroys the store's journal and index along with
// their backing files. It may be called on a closed store.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	var errs []error
	if err := s.journal.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete journal: %w", err))
	}
	if err := s.index.Destroy(); err != nil {
		s.logger.Error("Failed to delete index: %v", err)
		errs = append(errs, fmt.Errorf("failed to delete index: %w", err))
	}
	s.metrics.Close()

	if len(errs) == 0 {
		s.logger.Info("Deleted store")
	}
	return errors.Join(errs...)
}
