// Package freelist tracks deactivated record spans by payload size so they
// can be handed out again without compacting the journal.
package freelist

import (
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/emirpasic/gods/utils"
)

// Allocation describes a span handed out by Acquire
type Allocation struct {
	// Offset of the record header that is being reused
	Offset int64
	// Size is the payload size of the bucket the span came from
	Size uint32
	// Leftover is the payload size of the free record that must be written
	// after the new record. It is zero for exact matches.
	Leftover uint32
}

// Split reports whether the span was larger than requested
func (a Allocation) Split() bool {
	return a.Leftover > 0
}

// LeftoverOffset returns where the leftover free record starts for a new
// payload of the given size.
func (a Allocation) LeftoverOffset(size uint32) int64 {
	return a.Offset + record.HeaderSize + int64(size)
}

// List is a size-bucketed free list. Buckets are kept in ascending size order
// and each bucket hands out offsets in FIFO order.
// List is not safe for concurrent use; the owning store serializes access.
type List struct {
	buckets *treemap.Map
	entries int
	bytes   int64
}

// New creates an empty free list
func New() *List {
	return &List{
		buckets: treemap.NewWith(utils.UInt32Comparator),
	}
}

// Register adds a freed span to the bucket for its payload size
func (l *List) Register(offset int64, size uint32) {
	var q *linkedlistqueue.Queue
	if v, found := l.buckets.Get(size); found {
		q = v.(*linkedlistqueue.Queue)
	} else {
		q = linkedlistqueue.New()
		l.buckets.Put(size, q)
	}
	q.Enqueue(offset)
	l.entries++
	l.bytes += int64(size)
}

// Acquire finds a span for a payload of the given size.
// An exact-size bucket is preferred. Otherwise the smallest bucket that leaves
// room for a header plus at least one byte is split.
func (l *List) Acquire(size uint32) (Allocation, bool) {
	if v, found := l.buckets.Get(size); found {
		offset := l.dequeue(size, v.(*linkedlistqueue.Queue))
		return Allocation{Offset: offset, Size: size}, true
	}

	minSplit := uint64(size) + record.HeaderSize + 1
	if minSplit > uint64(^uint32(0)) {
		return Allocation{}, false
	}

	k, v := l.buckets.Ceiling(uint32(minSplit))
	if k == nil {
		return Allocation{}, false
	}

	bucket := k.(uint32)
	offset := l.dequeue(bucket, v.(*linkedlistqueue.Queue))
	return Allocation{
		Offset:   offset,
		Size:     bucket,
		Leftover: bucket - size - record.HeaderSize,
	}, true
}

func (l *List) dequeue(size uint32, q *linkedlistqueue.Queue) int64 {
	v, _ := q.Dequeue()
	if q.Empty() {
		l.buckets.Remove(size)
	}
	l.entries--
	l.bytes -= int64(size)
	return v.(int64)
}

// Len returns the number of free spans
func (l *List) Len() int {
	return l.entries
}

// Bytes returns the total payload bytes held by free spans
func (l *List) Bytes() int64 {
	return l.bytes
}

// Buckets returns the number of distinct sizes tracked
func (l *List) Buckets() int {
	return l.buckets.Size()
}

// Sizes returns the tracked payload sizes in ascending order
func (l *List) Sizes() []uint32 {
	keys := l.buckets.Keys()
	sizes := make([]uint32, len(keys))
	for i, k := range keys {
		sizes[i] = k.(uint32)
	}
	return sizes
}

// Reset drops every tracked span
func (l *List) Reset() {
	l.buckets.Clear()
	l.entries = 0
	l.bytes = 0
}
