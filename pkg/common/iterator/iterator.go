package iterator

import "github.com/KevoDB/kvjournal/pkg/record"

// Iterator walks the live records of a store in storage order.
// Storage order is the physical position of records in the journal, which is
// neither key order nor insertion order once space has been reused.
type Iterator interface {
	// SeekToFirst positions the iterator at the first live record
	SeekToFirst()

	// Next advances the iterator to the next live record
	Next() bool

	// Key returns the current key
	Key() string

	// Value returns the encoded value of the current record
	Value() []byte

	// Type returns the value type of the current record
	Type() record.Type

	// Valid returns true if the iterator is positioned at a record
	Valid() bool
}
