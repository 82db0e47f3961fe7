package store

import (
	"github.com/KevoDB/kvjournal/pkg/common/iterator"
	"github.com/KevoDB/kvjournal/pkg/journal"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/stats"
)

// Record is a live key-value pair as found during a scan
type Record struct {
	Key    string
	Type   record.Type
	Value  []byte
	Offset int64
}

// Decode converts the encoded value back into a Go value
func (r Record) Decode() (interface{}, error) {
	return record.DecodeValue(r.Type, r.Value)
}

// String renders the value for display
func (r Record) String() string {
	return record.FormatValue(r.Type, r.Value)
}

func recordFrom(e journal.Entry) Record {
	return Record{Key: e.Key, Type: e.Type, Value: e.Value, Offset: e.Offset}
}

// scan returns the first live record at or after *pos and advances *pos
// past it. Record boundaries never move once written, so a position taken
// from an earlier scan stays valid across later mutations.
func (s *Store) scan(pos *int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanLocked(pos)
}

func (s *Store) scanLocked(pos *int64) (Record, bool) {
	if s.closed {
		return Record{}, false
	}

	e, next, ok := s.journal.ScanFrom(*pos)
	*pos = next
	if !ok {
		return Record{}, false
	}
	s.stats.TrackOperation(stats.OpScan)
	return recordFrom(e), true
}

// IterateStart rewinds the store's scan cursor and returns the first live
// record in storage order
func (s *Store) IterateStart() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false
	}
	s.cursor = s.journal.First()
	return s.scanLocked(&s.cursor)
}

// IterateNext returns the next live record after the cursor. Records written
// after the scan started are returned once the cursor reaches them.
func (s *Store) IterateNext() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanLocked(&s.cursor)
}

// ForEach calls fn for every live record in storage order, stopping at the
// first error. The store is not locked while fn runs, so fn may use the store.
func (s *Store) ForEach(fn func(Record) error) error {
	pos := int64(0)
	for {
		r, ok := s.scan(&pos)
		if !ok {
			return nil
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}

// Iterator is an independent storage-order cursor over a store
type Iterator struct {
	st    *Store
	pos   int64
	cur   Record
	valid bool
}

var _ iterator.Iterator = (*Iterator)(nil)

// NewIterator returns an iterator positioned before the first record
func (s *Store) NewIterator() *Iterator {
	return &Iterator{st: s}
}

func (it *Iterator) SeekToFirst() {
	it.pos = 0
	it.Next()
}

func (it *Iterator) Next() bool {
	it.cur, it.valid = it.st.scan(&it.pos)
	return it.valid
}

func (it *Iterator) Key() string {
	if !it.valid {
		return ""
	}
	return it.cur.Key
}

func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.cur.Value
}

func (it *Iterator) Type() record.Type {
	if !it.valid {
		return record.TypeEmpty
	}
	return it.cur.Type
}

// Record returns the current record
func (it *Iterator) Record() (Record, bool) {
	return it.cur, it.valid
}

func (it *Iterator) Valid() bool {
	return it.valid
}
