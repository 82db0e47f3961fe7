// Package filtered provides iterators that filter records by key or type
package filtered

import (
	"strings"

	"github.com/KevoDB/kvjournal/pkg/common/iterator"
	"github.com/KevoDB/kvjournal/pkg/record"
)

// FilterFunc decides whether a record is yielded
type FilterFunc func(key string, t record.Type) bool

// FilteredIterator wraps an iterator and applies a filter
type FilteredIterator struct {
	iter   iterator.Iterator
	filter FilterFunc
}

// NewFilteredIterator creates a new iterator with a filter
func NewFilteredIterator(iter iterator.Iterator, filter FilterFunc) *FilteredIterator {
	return &FilteredIterator{
		iter:   iter,
		filter: filter,
	}
}

func (fi *FilteredIterator) accept() bool {
	return fi.filter(fi.iter.Key(), fi.iter.Type())
}

// Next advances to the next record that passes the filter
func (fi *FilteredIterator) Next() bool {
	for fi.iter.Next() {
		if fi.accept() {
			return true
		}
	}
	return false
}

// Key returns the current key
func (fi *FilteredIterator) Key() string {
	return fi.iter.Key()
}

// Value returns the current value
func (fi *FilteredIterator) Value() []byte {
	return fi.iter.Value()
}

// Type returns the current value type
func (fi *FilteredIterator) Type() record.Type {
	return fi.iter.Type()
}

// Valid returns true if the iterator is at a record that passes the filter
func (fi *FilteredIterator) Valid() bool {
	return fi.iter.Valid() && fi.accept()
}

// SeekToFirst positions at the first record that passes the filter
func (fi *FilteredIterator) SeekToFirst() {
	fi.iter.SeekToFirst()

	if fi.iter.Valid() && !fi.accept() {
		fi.Next()
	}
}

// PrefixFilterFunc matches keys with a specific prefix
func PrefixFilterFunc(prefix string) FilterFunc {
	return func(key string, _ record.Type) bool {
		return strings.HasPrefix(key, prefix)
	}
}

// SuffixFilterFunc matches keys with a specific suffix
func SuffixFilterFunc(suffix string) FilterFunc {
	return func(key string, _ record.Type) bool {
		return strings.HasSuffix(key, suffix)
	}
}

// TypeFilterFunc matches records holding one of the given types
func TypeFilterFunc(types ...record.Type) FilterFunc {
	return func(_ string, t record.Type) bool {
		for _, want := range types {
			if t == want {
				return true
			}
		}
		return false
	}
}

// NewPrefixIterator returns an iterator that filters keys by prefix
func NewPrefixIterator(iter iterator.Iterator, prefix string) *FilteredIterator {
	return NewFilteredIterator(iter, PrefixFilterFunc(prefix))
}

// NewSuffixIterator returns an iterator that filters keys by suffix
func NewSuffixIterator(iter iterator.Iterator, suffix string) *FilteredIterator {
	return NewFilteredIterator(iter, SuffixFilterFunc(suffix))
}

// NewTypeIterator returns an iterator that yields only records of the given types
func NewTypeIterator(iter iterator.Iterator, types ...record.Type) *FilteredIterator {
	return NewFilteredIterator(iter, TypeFilterFunc(types...))
}
