// Package journal implements the record journal: a contiguous region of
// framed records that is appended to, rewritten in place when records are
// deactivated or reused, and scanned front to back on reopen.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/freelist"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/region"
	"github.com/google/uuid"
)

const (
	// DefaultGrowBy is the capacity increment applied when a record does not fit
	DefaultGrowBy = 10 * 1024 * 1024 // 10MB
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrTypeMismatch = errors.New("record type mismatch")
	ErrGrowFailed   = errors.New("journal growth failed")
	ErrNameMismatch = errors.New("journal belongs to a different store")
	ErrClosed       = errors.New("journal is closed")
	ErrRecordSize   = errors.New("payload does not match allocated size")
)

// Options configures a journal
type Options struct {
	// Name is the owning store's name. It is written into the file header and
	// checked on reopen.
	Name string

	// Path is the backing file. An empty path keeps the journal in memory.
	Path string

	// Capacity is the initial size in bytes
	Capacity int64

	// GrowBy is the capacity increment, DefaultGrowBy when zero
	GrowBy int64

	// Reuse recovers an existing file instead of rotating it away
	Reuse bool

	Logger  log.Logger
	Metrics JournalMetrics
}

// Slot is a position handed out by Allocate
type Slot struct {
	Offset int64
	// Size is the payload size the slot was allocated for
	Size uint32
	// Bucket is the payload size of the reused free record, zero for appends
	Bucket uint32
	// Leftover is the payload size of the free record written after the new one
	Leftover uint32
	Reused   bool
}

// Entry is a decoded record
type Entry struct {
	Offset int64
	Active bool
	Type   record.Type
	Key    string
	Value  []byte
}

// RecoveryInfo describes what the reopen scan found
type RecoveryInfo struct {
	Scanned  int64
	Active   int64
	Free     int64
	Fallback bool
	Duration time.Duration
}

// Journal holds the records of one store.
// Journal is not safe for concurrent use; the owning store serializes access.
type Journal struct {
	name     string
	region   region.Region
	header   FileHeader
	first    int64
	end      int64
	growBy   int64
	growths  int64
	free     *freelist.List
	recovery RecoveryInfo
	reopened bool
	closed   bool

	logger  log.Logger
	metrics JournalMetrics
}

// Open creates a journal, or recovers an existing file when opts.Reuse is set.
// Without Reuse an existing file is renamed with region.PrevSuffix first.
func Open(opts Options) (*Journal, error) {
	if opts.Name == "" {
		return nil, errors.New("journal name cannot be empty")
	}
	if opts.GrowBy <= 0 {
		opts.GrowBy = DefaultGrowBy
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopJournalMetrics()
	}

	j := &Journal{
		name:    opts.Name,
		growBy:  opts.GrowBy,
		free:    freelist.New(),
		metrics: opts.Metrics,
		logger:  log.ForComponent(opts.Logger, "journal", opts.Name),
	}

	hdr := FileHeader{
		Created: time.Now().UnixNano(),
		ID:      uuid.New(),
		Version: FormatVersion,
		Name:    opts.Name,
	}
	capacity := opts.Capacity
	if minimum := hdr.Size() + record.HeaderSize; capacity < minimum {
		capacity = minimum
	}

	if opts.Path == "" {
		r, err := region.NewMemory(capacity)
		if err != nil {
			return nil, err
		}
		j.region = r
		if err := j.initialize(hdr); err != nil {
			r.Close()
			return nil, err
		}
		return j, nil
	}

	if !opts.Reuse {
		if err := region.Rotate(opts.Path); err != nil {
			j.logger.Error("Failed to rotate existing journal: %v", err)
			return nil, err
		}
	}

	r, existed, err := region.OpenFile(opts.Path, capacity)
	if err != nil {
		j.logger.Error("Failed to open journal file: %v", err)
		return nil, err
	}
	j.region = r

	if existed {
		err = j.recover()
	} else {
		err = j.initialize(hdr)
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initialize(hdr FileHeader) error {
	j.first = hdr.Size()
	j.end = j.first
	hdr.End = j.end
	if err := hdr.Encode(j.region.Bytes()); err != nil {
		return err
	}
	j.header = hdr
	return nil
}

// recover reads the header of an existing journal and rebuilds the free list
// and write cursor. The header's end field bounds the scan when its checksum
// verifies. Otherwise the scan runs to the first empty or invalid record.
func (j *Journal) recover() error {
	start := time.Now()
	buf := j.region.Bytes()

	hdr, err := DecodeFileHeader(buf)
	checksumOK := true
	if err != nil {
		if !errors.Is(err, errHeaderSum) {
			j.logger.Error("Failed to decode journal header: %v", err)
			return err
		}
		checksumOK = false
	}
	if hdr.Name != j.name {
		return fmt.Errorf("%w: file holds %q", ErrNameMismatch, hdr.Name)
	}

	j.header = *hdr
	j.first = hdr.Size()

	limit := j.region.Size()
	if checksumOK && hdr.End >= j.first && hdr.End <= limit {
		limit = hdr.End
	}

	end, info := j.rebuild(limit)
	info.Fallback = !checksumOK || end != hdr.End
	if info.Fallback {
		j.logger.Warn("Journal header end %d disagrees with scanned end %d (checksum ok: %v), using scanned end",
			hdr.End, end, checksumOK)
	}

	j.end = end
	j.header.End = end
	if err := j.header.Encode(buf); err != nil {
		return err
	}

	info.Duration = time.Since(start)
	j.recovery = info
	j.reopened = true
	j.metrics.RecordRecovery(context.Background(), info.Duration, info.Scanned, info.Fallback)
	j.logger.Info("Recovered journal: %d records (%d active, %d free), end %d",
		info.Scanned, info.Active, info.Free, end)
	return nil
}

// rebuild walks records from the first offset up to limit, registering
// inactive records with the free list. It returns the end of the last valid record.
func (j *Journal) rebuild(limit int64) (int64, RecoveryInfo) {
	var info RecoveryInfo
	buf := j.region.Bytes()
	j.free.Reset()

	off := j.first
	for off+record.HeaderSize <= limit {
		h, _ := record.DecodeHeader(buf[off:])
		if h.Type == record.TypeEmpty {
			break
		}
		if !h.Type.Valid() || off+h.Size() > limit {
			j.logger.Warn("Invalid record at offset %d (type %v, length %d), truncating scan", off, h.Type, h.Length)
			break
		}

		info.Scanned++
		if h.Active {
			info.Active++
		} else {
			j.free.Register(off, h.Length)
			info.Free++
		}
		off += h.Size()
	}
	return off, info
}

// Allocate finds space for a payload of the given size, reusing a free
// record when one fits and appending otherwise. Appending grows the journal
// in GrowBy steps until the record fits.
func (j *Journal) Allocate(size uint32) (Slot, error) {
	if j.closed {
		return Slot{}, ErrClosed
	}

	if a, ok := j.free.Acquire(size); ok {
		return Slot{
			Offset:   a.Offset,
			Size:     size,
			Bucket:   a.Size,
			Leftover: a.Leftover,
			Reused:   true,
		}, nil
	}

	span := record.HeaderSize + int64(size)
	if err := j.ensure(j.end + span); err != nil {
		return Slot{}, err
	}

	off := j.end
	j.setEnd(j.end + span)
	return Slot{Offset: off, Size: size}, nil
}

// Release gives back a slot that was allocated but never written
func (j *Journal) Release(slot Slot) {
	if slot.Reused {
		j.free.Register(slot.Offset, slot.Bucket)
		return
	}
	if slot.Offset+record.HeaderSize+int64(slot.Size) == j.end {
		j.setEnd(slot.Offset)
	}
}

// Write stores an active record at slot. When the slot was split from a larger
// free record the remainder is written as an inactive record and registered
// as free, so the records stay contiguous.
func (j *Journal) Write(slot Slot, t record.Type, payload []byte) error {
	if j.closed {
		return ErrClosed
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %v", record.ErrInvalidType, t)
	}
	if uint32(len(payload)) != slot.Size {
		return fmt.Errorf("%w: %d != %d", ErrRecordSize, len(payload), slot.Size)
	}

	buf := j.region.Bytes()
	record.Header{Active: true, Type: t, Length: slot.Size}.Encode(buf[slot.Offset:])
	copy(buf[slot.Offset+record.HeaderSize:], payload)

	if slot.Leftover > 0 {
		lo := slot.Offset + record.HeaderSize + int64(slot.Size)
		record.Header{Active: false, Type: t, Length: slot.Leftover}.Encode(buf[lo:])
		j.free.Register(lo, slot.Leftover)
	}

	j.metrics.RecordWrite(context.Background(), int64(len(payload)), slot.Reused, slot.Leftover > 0)
	return nil
}

// Put allocates and writes a record in one step
func (j *Journal) Put(t record.Type, payload []byte) (Slot, error) {
	slot, err := j.Allocate(uint32(len(payload)))
	if err != nil {
		return Slot{}, err
	}
	if err := j.Write(slot, t, payload); err != nil {
		j.Release(slot)
		return Slot{}, err
	}
	return slot, nil
}

func (j *Journal) headerAt(offset int64) (record.Header, error) {
	if j.closed {
		return record.Header{}, ErrClosed
	}
	if offset < j.first || offset+record.HeaderSize > j.end {
		return record.Header{}, fmt.Errorf("%w: offset %d out of range", ErrNotFound, offset)
	}
	h, err := record.DecodeHeader(j.region.Bytes()[offset:])
	if err != nil {
		return h, err
	}
	if h.Type == record.TypeEmpty || offset+h.Size() > j.end {
		return h, fmt.Errorf("%w: offset %d", ErrNotFound, offset)
	}
	return h, nil
}

// Read returns a copy of the value stored at offset. Inactive records return
// ErrNotFound and records of another type return ErrTypeMismatch.
func (j *Journal) Read(offset int64, t record.Type) ([]byte, error) {
	h, err := j.headerAt(offset)
	if err != nil {
		return nil, err
	}
	if !h.Active {
		return nil, ErrNotFound
	}
	if h.Type != t {
		return nil, fmt.Errorf("%w: stored %v, requested %v", ErrTypeMismatch, h.Type, t)
	}

	payload := j.payload(offset, h)
	_, value, err := record.DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// ReadRecord decodes the record at offset whether or not it is active
func (j *Journal) ReadRecord(offset int64) (Entry, error) {
	h, err := j.headerAt(offset)
	if err != nil {
		return Entry{}, err
	}
	return j.entry(offset, h)
}

// KeyEquals reports whether the record at offset is active and stores key
func (j *Journal) KeyEquals(offset int64, key string) bool {
	h, err := j.headerAt(offset)
	if err != nil || !h.Active {
		return false
	}
	return record.PayloadKeyEquals(j.payload(offset, h), key)
}

// Deactivate marks the record at offset inactive and registers its span as
// free. It returns the payload length of the record.
func (j *Journal) Deactivate(offset int64) (uint32, error) {
	h, err := j.headerAt(offset)
	if err != nil {
		return 0, err
	}
	if !h.Active {
		return 0, ErrNotFound
	}

	j.region.Bytes()[offset] = 0
	j.free.Register(offset, h.Length)
	j.metrics.RecordDeactivate(context.Background(), int64(h.Length))
	return h.Length, nil
}

// ScanFrom returns the first active record at or after offset together with
// the offset following it. The final result is false once the written end is reached.
func (j *Journal) ScanFrom(offset int64) (Entry, int64, bool) {
	if j.closed {
		return Entry{}, offset, false
	}
	if offset < j.first {
		offset = j.first
	}

	buf := j.region.Bytes()
	for offset+record.HeaderSize <= j.end {
		h, err := record.DecodeHeader(buf[offset:])
		if err != nil || h.Type == record.TypeEmpty || offset+h.Size() > j.end {
			break
		}
		next := offset + h.Size()
		if h.Active {
			e, err := j.entry(offset, h)
			if err != nil {
				j.logger.Warn("Skipping undecodable record at offset %d: %v", offset, err)
				offset = next
				continue
			}
			return e, next, true
		}
		offset = next
	}
	return Entry{}, j.end, false
}

func (j *Journal) payload(offset int64, h record.Header) []byte {
	start := offset + record.HeaderSize
	return j.region.Bytes()[start : start+int64(h.Length)]
}

func (j *Journal) entry(offset int64, h record.Header) (Entry, error) {
	key, value, err := record.DecodePayload(j.payload(offset, h))
	if err != nil {
		return Entry{}, err
	}
	v := make([]byte, len(value))
	copy(v, value)
	return Entry{Offset: offset, Active: h.Active, Type: h.Type, Key: key, Value: v}, nil
}

func (j *Journal) ensure(need int64) error {
	current := j.region.Size()
	if need <= current {
		return nil
	}

	newCapacity := current
	for newCapacity < need {
		newCapacity += j.growBy
	}

	start := time.Now()
	if err := j.region.Grow(newCapacity); err != nil {
		j.logger.Error("Failed to grow journal from %d to %d bytes: %v", current, newCapacity, err)
		j.metrics.RecordGrowth(context.Background(), time.Since(start), current, newCapacity, false)
		return fmt.Errorf("%w: %v", ErrGrowFailed, err)
	}

	j.growths++
	j.metrics.RecordGrowth(context.Background(), time.Since(start), current, newCapacity, true)
	j.logger.Debug("Grew journal from %d to %d bytes", current, newCapacity)
	return nil
}

func (j *Journal) setEnd(end int64) {
	j.end = end
	j.header.End = end
	updateEnd(j.region.Bytes(), j.first, end)
}

// First returns the offset of the first record
func (j *Journal) First() int64 {
	return j.first
}

// End returns the offset just past the last written record
func (j *Journal) End() int64 {
	return j.end
}

// Capacity returns the current size of the backing region
func (j *Journal) Capacity() int64 {
	if j.closed {
		return 0
	}
	return j.region.Size()
}

// Growths returns how many times the journal has grown since it was opened
func (j *Journal) Growths() int64 {
	return j.growths
}

// FreeList exposes the free-space allocator for statistics
func (j *Journal) FreeList() *freelist.List {
	return j.free
}

// Header returns a copy of the file header
func (j *Journal) Header() FileHeader {
	return j.header
}

// Recovery returns what the reopen scan found. It is zero for new journals.
func (j *Journal) Recovery() RecoveryInfo {
	return j.recovery
}

// Reopened reports whether the journal was recovered from an existing file
func (j *Journal) Reopened() bool {
	return j.reopened
}

// Name returns the owning store's name
func (j *Journal) Name() string {
	return j.name
}

// Path returns the backing file, or "" for in-memory journals
func (j *Journal) Path() string {
	if j.region == nil {
		return ""
	}
	return j.region.Path()
}

// Persistent reports whether the journal is file backed
func (j *Journal) Persistent() bool {
	return j.region != nil && j.region.Persistent()
}

// Sync flushes the journal to stable storage
func (j *Journal) Sync() error {
	if j.closed {
		return ErrClosed
	}
	if err := j.region.Sync(); err != nil {
		j.logger.Error("Failed to sync journal: %v", err)
		return err
	}
	return nil
}

// Close releases the journal. File contents remain on disk.
func (j *Journal) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.region.Close(); err != nil {
		j.logger.Error("Failed to close journal: %v", err)
		return err
	}
	return nil
}

// Destroy releases the journal and deletes its backing file
func (j *Journal) Destroy() error {
	j.free.Reset()
	j.closed = true
	if err := j.region.Remove(); err != nil {
		j.logger.Error("Failed to remove journal: %v", err)
		return err
	}
	return nil
}
