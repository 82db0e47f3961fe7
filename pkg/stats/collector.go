package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType names a store operation or an internal event worth counting
type OperationType string

const (
	OpPut    OperationType = "put"
	OpGet    OperationType = "get"
	OpRemove OperationType = "remove"
	OpScan   OperationType = "scan"
	// OpReuse counts puts placed in a freed record, OpSplit those that
	// also left a smaller free record behind, OpAppend those at the end
	OpReuse   OperationType = "reuse"
	OpSplit   OperationType = "split"
	OpAppend  OperationType = "append"
	OpMiss    OperationType = "miss"
	OpRebuild OperationType = "rebuild"
	OpCompact OperationType = "compact"
)

// keyed lazily creates one *V per key. Lookups after the first take the read lock only.
type keyed[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]*V
}

func (k *keyed[K, V]) get(key K) *V {
	k.mu.RLock()
	v, ok := k.m[key]
	k.mu.RUnlock()
	if ok {
		return v
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if v, ok = k.m[key]; !ok {
		if k.m == nil {
			k.m = make(map[K]*V)
		}
		v = new(V)
		k.m[key] = v
	}
	return v
}

func (k *keyed[K, V]) lookup(key K) (*V, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.m[key]
	return v, ok
}

func (k *keyed[K, V]) each(fn func(K, *V)) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for key, v := range k.m {
		fn(key, v)
	}
}

// LatencyTracker keeps count, sum, min and max of operation latencies in nanoseconds
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

func (t *LatencyTracker) observe(ns uint64) {
	t.count.Add(1)
	t.sum.Add(ns)

	for cur := t.max.Load(); ns > cur; cur = t.max.Load() {
		if t.max.CompareAndSwap(cur, ns) {
			break
		}
	}
	for cur := t.min.Load(); cur == 0 || ns < cur; cur = t.min.Load() {
		if t.min.CompareAndSwap(cur, ns) {
			break
		}
	}
}

func (t *LatencyTracker) snapshot() (map[string]interface{}, bool) {
	count := t.count.Load()
	if count == 0 {
		return nil, false
	}
	m := map[string]interface{}{
		"count":  count,
		"avg_ns": t.sum.Load() / count,
	}
	if v := t.min.Load(); v != 0 {
		m["min_ns"] = v
	}
	if v := t.max.Load(); v != 0 {
		m["max_ns"] = v
	}
	return m, true
}

// RecoveryStats describes the last reopen of a persisted store
type RecoveryStats struct {
	RecordsScanned   atomic.Uint64
	ActiveRecords    atomic.Uint64
	FreeRecords      atomic.Uint64
	HeaderFallbacks  atomic.Uint64
	RecoveryDuration atomic.Int64 // nanoseconds
}

// AtomicCollector gathers the counters of one store. Counters are atomics;
// the maps holding them are only write-locked when a new key shows up.
type AtomicCollector struct {
	counts    keyed[OperationType, atomic.Uint64]
	lastOp    keyed[OperationType, atomic.Int64] // unix nanos
	latencies keyed[OperationType, LatencyTracker]
	errors    keyed[string, atomic.Uint64]

	journalSize       atomic.Uint64
	indexSize         atomic.Uint64
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	journalGrowths    atomic.Uint64
	indexGrowths      atomic.Uint64

	recovery RecoveryStats
}

func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.counts.get(op).Add(1)
	c.lastOp.get(op).Store(time.Now().UnixNano())
}

func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)
	c.latencies.get(op).observe(latencyNs)
}

func (c *AtomicCollector) TrackError(errorType string) {
	c.errors.get(errorType).Add(1)
}

func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackCapacity records the current journal and index region sizes
func (c *AtomicCollector) TrackCapacity(journalBytes, indexBytes uint64) {
	c.journalSize.Store(journalBytes)
	c.indexSize.Store(indexBytes)
}

func (c *AtomicCollector) TrackJournalGrowth() { c.journalGrowths.Add(1) }
func (c *AtomicCollector) TrackIndexGrowth()   { c.indexGrowths.Add(1) }

// StartRecovery clears the previous recovery figures
func (c *AtomicCollector) StartRecovery() time.Time {
	r := &c.recovery
	r.RecordsScanned.Store(0)
	r.ActiveRecords.Store(0)
	r.FreeRecords.Store(0)
	r.HeaderFallbacks.Store(0)
	r.RecoveryDuration.Store(0)
	return time.Now()
}

func (c *AtomicCollector) FinishRecovery(startTime time.Time, scanned, active, free uint64, headerFallback bool) {
	r := &c.recovery
	r.RecordsScanned.Store(scanned)
	r.ActiveRecords.Store(active)
	r.FreeRecords.Store(free)
	if headerFallback {
		r.HeaderFallbacks.Add(1)
	}
	r.RecoveryDuration.Store(time.Since(startTime).Nanoseconds())
}

// OperationCount returns how many times op was tracked
func (c *AtomicCollector) OperationCount(op OperationType) uint64 {
	if v, ok := c.counts.lookup(op); ok {
		return v.Load()
	}
	return 0
}

// GetStats returns every counter. Per-operation entries are named
// <op>_ops, last_<op>_time and <op>_latency.
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"journal_size":        c.journalSize.Load(),
		"index_size":          c.indexSize.Load(),
		"total_bytes_read":    c.totalBytesRead.Load(),
		"total_bytes_written": c.totalBytesWritten.Load(),
		"journal_growths":     c.journalGrowths.Load(),
		"index_growths":       c.indexGrowths.Load(),
	}

	c.counts.each(func(op OperationType, v *atomic.Uint64) {
		stats[string(op)+"_ops"] = v.Load()
	})
	c.lastOp.each(func(op OperationType, v *atomic.Int64) {
		stats["last_"+string(op)+"_time"] = v.Load()
	})
	c.latencies.each(func(op OperationType, t *LatencyTracker) {
		if m, ok := t.snapshot(); ok {
			stats[string(op)+"_latency"] = m
		}
	})

	errs := make(map[string]interface{})
	c.errors.each(func(name string, v *atomic.Uint64) {
		errs[name] = v.Load()
	})
	stats["errors"] = errs

	r := &c.recovery
	recovery := map[string]interface{}{
		"records_scanned":  r.RecordsScanned.Load(),
		"active_records":   r.ActiveRecords.Load(),
		"free_records":     r.FreeRecords.Load(),
		"header_fallbacks": r.HeaderFallbacks.Load(),
	}
	if d := r.RecoveryDuration.Load(); d > 0 {
		recovery["recovery_duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recovery

	return stats
}

// GetStatsFiltered returns the top-level entries whose key starts with prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}
