// Package index implements the open-addressing hash index that maps keys to
// record offsets in a journal.
//
// Each slot is [state:1][hash:4][offset:8]. Slot 0 never holds a key; its
// offset field carries the collision counter across reopens. Collisions are
// resolved by linear probing that wraps from the last slot back to slot 1.
// Removal leaves a tombstone so probe chains stay intact. Tombstones are
// cleared when the table grows or is compacted.
package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/region"
	"github.com/cespare/xxhash/v2"
)

const (
	// SlotSize is the width of one slot in bytes
	// - State (1 byte)
	// - Key hash (4 bytes)
	// - Record offset (8 bytes)
	SlotSize = 13

	// DefaultGrowBy is the region increment applied on growth
	DefaultGrowBy = 2 * 1024 * 1024 // 2MB

	// DefaultLoadLimit is the load percentage above which the owner grows the index
	DefaultLoadLimit = 70

	slotFree      = 0
	slotOccupied  = 1
	slotTombstone = 2
	slotCounter   = 3

	minSlots = 3
)

var (
	ErrIndexFull = errors.New("index has no free slot")
	ErrClosed    = errors.New("index is closed")
)

// MatchFunc reports whether the record at offset belongs to the key being
// looked up. It is called for every slot whose stored hash matches.
type MatchFunc func(offset int64) bool

// Entry is an occupied slot
type Entry struct {
	Slot   int64
	Hash   uint32
	Offset int64
}

// Options configures an index
type Options struct {
	Name string

	// Path is the backing file. An empty path keeps the index in memory.
	Path string

	// Size is the initial region size in bytes
	Size int64

	// GrowBy is the region increment, DefaultGrowBy when zero
	GrowBy int64

	// Reuse loads an existing file instead of rotating it away
	Reuse bool

	Logger  log.Logger
	Metrics IndexMetrics
}

// Index is an open-addressing hash table over a region.
// Index is not safe for concurrent use; the owning store serializes access.
type Index struct {
	name       string
	region     region.Region
	slots      int64
	used       int64
	tombstones int64
	collisions int64
	growBy     int64
	growths    int64
	compacted  int64
	loaded     bool
	closed     bool

	logger  log.Logger
	metrics IndexMetrics
}

// HashKey returns the 32-bit hash stored for key
func HashKey(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}

// Open creates an index. With opts.Reuse and an existing file, the slot
// counts are recomputed from the stored slots and the collision total is read
// back from slot 0.
func Open(opts Options) (*Index, error) {
	if opts.GrowBy <= 0 {
		opts.GrowBy = DefaultGrowBy
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopIndexMetrics()
	}
	size := opts.Size
	if size < minSlots*SlotSize {
		size = minSlots * SlotSize
	}

	idx := &Index{
		name:    opts.Name,
		growBy:  opts.GrowBy,
		metrics: opts.Metrics,
		logger:  log.ForComponent(opts.Logger, "index", opts.Name),
	}

	if opts.Path == "" {
		r, err := region.NewMemory(size)
		if err != nil {
			return nil, err
		}
		idx.region = r
		idx.slots = r.Size() / SlotSize
		return idx, nil
	}

	if !opts.Reuse {
		if err := region.Rotate(opts.Path); err != nil {
			idx.logger.Error("Failed to rotate existing index: %v", err)
			return nil, err
		}
	}

	r, existed, err := region.OpenFile(opts.Path, size)
	if err != nil {
		idx.logger.Error("Failed to open index file: %v", err)
		return nil, err
	}
	idx.region = r
	idx.slots = r.Size() / SlotSize

	if existed {
		idx.loaded = true
		idx.recount()
		idx.logger.Info("Loaded index: %d entries, %d tombstones, %d collisions",
			idx.used, idx.tombstones, idx.collisions)
	}
	return idx, nil
}

// bucketFor maps a hash to its home slot, never slot 0
func (idx *Index) bucketFor(hash uint32) int64 {
	h := int32(hash)
	h ^= int32(uint32(h) >> 16)
	v := int64(h)
	if v < 0 {
		v = -v
	}
	b := v % (idx.slots - 1)
	if b < 1 {
		b = 1
	}
	return b
}

// next advances a probe position, wrapping past the last slot to slot 1
func (idx *Index) next(slot int64) int64 {
	slot++
	if slot >= idx.slots {
		return 1
	}
	return slot
}

func (idx *Index) readSlot(slot int64) (byte, uint32, int64) {
	b := idx.region.Bytes()[slot*SlotSize : (slot+1)*SlotSize]
	return b[0], binary.LittleEndian.Uint32(b[1:5]), int64(binary.LittleEndian.Uint64(b[5:13]))
}

func (idx *Index) writeSlot(slot int64, state byte, hash uint32, offset int64) {
	b := idx.region.Bytes()[slot*SlotSize : (slot+1)*SlotSize]
	b[0] = state
	binary.LittleEndian.PutUint32(b[1:5], hash)
	binary.LittleEndian.PutUint64(b[5:13], uint64(offset))
}

// find probes for key's slot. It returns the matching slot or -1, and the
// first reusable slot (tombstone or free) on the probe path or -1.
func (idx *Index) find(hash uint32, match MatchFunc) (int64, int64, int64) {
	home := idx.bucketFor(hash)
	reusable := int64(-1)
	steps := int64(0)

	for slot := home; steps < idx.slots-1; slot = idx.next(slot) {
		state, h, off := idx.readSlot(slot)
		switch state {
		case slotFree:
			if reusable < 0 {
				reusable = slot
			}
			return -1, reusable, steps
		case slotTombstone:
			if reusable < 0 {
				reusable = slot
			}
		case slotOccupied:
			if h == hash && (match == nil || match(off)) {
				return slot, reusable, steps
			}
		}
		steps++
	}
	return -1, reusable, steps
}

// Put maps key to offset. An existing entry for the key is updated in place.
// It returns the previous offset when the key was already present.
func (idx *Index) Put(key string, offset int64, match MatchFunc) (int64, bool, error) {
	if idx.closed {
		return 0, false, ErrClosed
	}
	hash := HashKey(key)

	found, reusable, steps := idx.find(hash, match)
	if found >= 0 {
		_, _, prev := idx.readSlot(found)
		idx.writeSlot(found, slotOccupied, hash, offset)
		idx.addCollisions(steps)
		idx.metrics.RecordPut(context.Background(), steps)
		return prev, true, nil
	}
	if reusable < 0 {
		idx.logger.Error("No free slot for key hash %08x at %d of %d slots used", hash, idx.used, idx.slots)
		return 0, false, ErrIndexFull
	}

	state, _, _ := idx.readSlot(reusable)
	if state == slotTombstone {
		idx.tombstones--
	}
	idx.writeSlot(reusable, slotOccupied, hash, offset)
	idx.used++

	displacement := idx.distance(idx.bucketFor(hash), reusable)
	idx.addCollisions(displacement)
	idx.metrics.RecordPut(context.Background(), displacement)
	return 0, false, nil
}

// addCollisions counts probe steps taken by a put
func (idx *Index) addCollisions(steps int64) {
	if steps == 0 {
		return
	}
	idx.collisions += steps
	idx.storeCollisions()
}

func (idx *Index) storeCollisions() {
	idx.writeSlot(0, slotCounter, 0, idx.collisions)
}

// distance returns how many probe steps separate slot from home
func (idx *Index) distance(home, slot int64) int64 {
	if slot >= home {
		return slot - home
	}
	return (idx.slots - home) + (slot - 1)
}

// Get returns the offset stored for key
func (idx *Index) Get(key string, match MatchFunc) (int64, bool) {
	if idx.closed {
		return 0, false
	}
	found, _, steps := idx.find(HashKey(key), match)
	idx.metrics.RecordLookup(context.Background(), steps, found >= 0)
	if found < 0 {
		return 0, false
	}
	_, _, off := idx.readSlot(found)
	return off, true
}

// Remove replaces key's slot with a tombstone and returns the offset it held
func (idx *Index) Remove(key string, match MatchFunc) (int64, bool) {
	if idx.closed {
		return 0, false
	}
	hash := HashKey(key)
	found, _, _ := idx.find(hash, match)
	if found < 0 {
		return 0, false
	}

	_, _, off := idx.readSlot(found)
	idx.writeSlot(found, slotTombstone, hash, off)
	idx.used--
	idx.tombstones++
	return off, true
}

// Load returns the percentage of slots holding a live entry
func (idx *Index) Load() int {
	if idx.slots == 0 {
		return 0
	}
	return int(100 * idx.used / idx.slots)
}

// Occupancy returns the percentage of slots that are occupied or tombstoned.
// Probes for absent keys run until a free slot, so this bounds their length.
func (idx *Index) Occupancy() int {
	if idx.slots == 0 {
		return 0
	}
	return int(100 * (idx.used + idx.tombstones) / idx.slots)
}

// Grow enlarges the region by GrowBy and rehashes every occupied entry,
// dropping tombstones. On failure the table is left as it was.
func (idx *Index) Grow() error {
	if idx.closed {
		return ErrClosed
	}
	start := time.Now()
	oldSize := idx.region.Size()
	newSize := oldSize + idx.growBy

	entries := idx.Entries()

	if err := idx.region.Grow(newSize); err != nil {
		idx.logger.Error("Failed to grow index from %d to %d bytes: %v", oldSize, newSize, err)
		idx.metrics.RecordGrowth(context.Background(), time.Since(start), idx.slots, idx.slots, false)
		return fmt.Errorf("failed to grow index: %w", err)
	}

	oldSlots := idx.slots
	idx.slots = idx.region.Size() / SlotSize
	idx.rehash(entries)

	idx.growths++
	idx.metrics.RecordGrowth(context.Background(), time.Since(start), oldSlots, idx.slots, true)
	idx.logger.Debug("Grew index from %d to %d slots, %d entries rehashed, %d collisions",
		oldSlots, idx.slots, idx.used, idx.collisions)
	return nil
}

// Compact rehashes every live entry into a table of the same size, clearing
// tombstones. The owner calls it when removals rather than live entries have
// filled the table.
func (idx *Index) Compact() error {
	if idx.closed {
		return ErrClosed
	}
	start := time.Now()
	purged := idx.tombstones

	idx.rehash(idx.Entries())

	idx.compacted++
	idx.metrics.RecordCompaction(context.Background(), time.Since(start), purged)
	idx.logger.Debug("Compacted index: %d tombstones purged, %d entries rehashed, %d collisions",
		purged, idx.used, idx.collisions)
	return nil
}

// rehash clears the table and reinserts entries. The collision counter
// restarts at the sum of the new displacements.
func (idx *Index) rehash(entries []Entry) {
	buf := idx.region.Bytes()
	for i := range buf {
		buf[i] = 0
	}
	idx.used = 0
	idx.tombstones = 0
	idx.collisions = 0

	for _, e := range entries {
		slot := idx.bucketFor(e.Hash)
		for {
			if state, _, _ := idx.readSlot(slot); state == slotFree {
				break
			}
			slot = idx.next(slot)
		}
		idx.writeSlot(slot, slotOccupied, e.Hash, e.Offset)
		idx.used++
		idx.collisions += idx.distance(idx.bucketFor(e.Hash), slot)
	}
	idx.storeCollisions()
}

// Entries returns every occupied slot in slot order
func (idx *Index) Entries() []Entry {
	entries := make([]Entry, 0, idx.used)
	for slot := int64(1); slot < idx.slots; slot++ {
		if state, hash, off := idx.readSlot(slot); state == slotOccupied {
			entries = append(entries, Entry{Slot: slot, Hash: hash, Offset: off})
		}
	}
	return entries
}

// recount derives counters from the stored slots after a reopen. A file
// without a stored collision counter gets the displacement sum of its live
// entries instead.
func (idx *Index) recount() {
	var displaced int64
	idx.used, idx.tombstones = 0, 0
	for slot := int64(1); slot < idx.slots; slot++ {
		state, hash, _ := idx.readSlot(slot)
		switch state {
		case slotOccupied:
			idx.used++
			displaced += idx.distance(idx.bucketFor(hash), slot)
		case slotTombstone:
			idx.tombstones++
		}
	}

	idx.collisions = displaced
	if state, _, stored := idx.readSlot(0); state == slotCounter {
		idx.collisions = stored
	}
}

// Reset clears every slot
func (idx *Index) Reset() {
	buf := idx.region.Bytes()
	for i := range buf {
		buf[i] = 0
	}
	idx.used, idx.tombstones, idx.collisions = 0, 0, 0
}

// Len returns the number of occupied slots
func (idx *Index) Len() int64 {
	return idx.used
}

// Tombstones returns the number of removed slots not yet reclaimed
func (idx *Index) Tombstones() int64 {
	return idx.tombstones
}

// Collisions returns the probe steps taken by puts since the table was last
// rehashed. Rehashing restarts it at the displacement sum of the live entries.
func (idx *Index) Collisions() int64 {
	return idx.collisions
}

// Slots returns the table capacity in slots, slot 0 included
func (idx *Index) Slots() int64 {
	return idx.slots
}

// Size returns the region size in bytes
func (idx *Index) Size() int64 {
	if idx.closed {
		return 0
	}
	return idx.region.Size()
}

// Growths returns how many times the index has grown since it was opened
func (idx *Index) Growths() int64 {
	return idx.growths
}

// Compactions returns how many times the index has been compacted since it was opened
func (idx *Index) Compactions() int64 {
	return idx.compacted
}

// Home returns the slot a probe for hash starts at
func (idx *Index) Home(hash uint32) int64 {
	return idx.bucketFor(hash)
}

// Loaded reports whether the index was read back from an existing file
func (idx *Index) Loaded() bool {
	return idx.loaded
}

// Sync flushes the index to stable storage
func (idx *Index) Sync() error {
	if idx.closed {
		return ErrClosed
	}
	return idx.region.Sync()
}

// Close releases the index. File contents remain on disk.
func (idx *Index) Close() error {
	if idx.closed {
		return nil
	}
	idx.closed = true
	return idx.region.Close()
}

// Destroy releases the index and deletes its backing file
func (idx *Index) Destroy() error {
	idx.closed = true
	return idx.region.Remove()
}
