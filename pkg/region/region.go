// Package region provides the growable byte regions that back journals and
// indexes: a plain heap buffer or a memory-mapped file.
package region

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// PrevSuffix is appended to a file that is rotated away instead of reused
const PrevSuffix = "_prev"

var (
	ErrClosed      = errors.New("region is closed")
	ErrInvalidSize = errors.New("invalid region size")
	ErrShrink      = errors.New("region cannot shrink")
)

// Region is a contiguous, growable byte range
type Region interface {
	// Bytes returns the current contents. The slice is invalidated by Grow.
	Bytes() []byte

	// Size returns the current capacity in bytes
	Size() int64

	// Grow enlarges the region to newSize bytes, preserving contents
	Grow(newSize int64) error

	// Sync flushes contents to stable storage where applicable
	Sync() error

	// Close releases the region. Persistent contents remain on disk.
	Close() error

	// Remove releases the region and destroys its backing storage
	Remove() error

	// Persistent reports whether the region survives Close
	Persistent() bool

	// Path returns the backing file path, or "" for heap regions
	Path() string
}

// memRegion is a heap-backed region
type memRegion struct {
	buf    []byte
	closed bool
}

// NewMemory creates a zeroed heap region of the given size
func NewMemory(size int64) (Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return &memRegion{buf: make([]byte, size)}, nil
}

func (r *memRegion) Bytes() []byte {
	return r.buf
}

func (r *memRegion) Size() int64 {
	return int64(len(r.buf))
}

// Grow reallocates the buffer and copies the existing bytes
func (r *memRegion) Grow(newSize int64) error {
	if r.closed {
		return ErrClosed
	}
	if newSize < int64(len(r.buf)) {
		return ErrShrink
	}
	buf := make([]byte, newSize)
	copy(buf, r.buf)
	r.buf = buf
	return nil
}

func (r *memRegion) Sync() error {
	return nil
}

func (r *memRegion) Close() error {
	r.closed = true
	r.buf = nil
	return nil
}

func (r *memRegion) Remove() error {
	return r.Close()
}

func (r *memRegion) Persistent() bool {
	return false
}

func (r *memRegion) Path() string {
	return ""
}

// fileRegion is a memory-mapped file
type fileRegion struct {
	path string
	file *os.File
	m    mmap.MMap
}

// OpenFile maps path into memory, creating the file if needed.
// An existing file larger than size is mapped at its full length.
// The second result reports whether the file already held data.
func OpenFile(path string, size int64) (Region, bool, error) {
	if size <= 0 {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	existed := stat.Size() > 0

	if stat.Size() > size {
		size = stat.Size()
	} else if stat.Size() < size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, false, fmt.Errorf("failed to size %s: %w", path, err)
		}
	}

	m, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("failed to map %s: %w", path, err)
	}

	return &fileRegion{path: path, file: file, m: m}, existed, nil
}

func (r *fileRegion) Bytes() []byte {
	return r.m
}

func (r *fileRegion) Size() int64 {
	return int64(len(r.m))
}

// Grow extends the file and re-establishes the mapping
func (r *fileRegion) Grow(newSize int64) error {
	if r.file == nil {
		return ErrClosed
	}
	if newSize < int64(len(r.m)) {
		return ErrShrink
	}

	if err := r.m.Flush(); err != nil {
		return fmt.Errorf("failed to flush before growth: %w", err)
	}
	if err := r.m.Unmap(); err != nil {
		return fmt.Errorf("failed to unmap before growth: %w", err)
	}
	oldSize := int64(len(r.m))
	r.m = nil

	if err := r.file.Truncate(newSize); err != nil {
		// Try to restore the previous mapping so the region stays usable
		if m, merr := mmap.MapRegion(r.file, int(oldSize), mmap.RDWR, 0, 0); merr == nil {
			r.m = m
		}
		return fmt.Errorf("failed to extend %s: %w", r.path, err)
	}

	m, err := mmap.MapRegion(r.file, int(newSize), mmap.RDWR, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to remap %s: %w", r.path, err)
	}
	r.m = m
	return nil
}

func (r *fileRegion) Sync() error {
	if r.m == nil {
		return ErrClosed
	}
	return r.m.Flush()
}

func (r *fileRegion) Close() error {
	if r.file == nil {
		return nil
	}

	var errs []error
	if r.m != nil {
		if err := r.m.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := r.m.Unmap(); err != nil {
			errs = append(errs, err)
		}
		r.m = nil
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}
	r.file = nil
	return errors.Join(errs...)
}

func (r *fileRegion) Remove() error {
	closeErr := r.Close()
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Join(closeErr, fmt.Errorf("failed to remove %s: %w", r.path, err))
	}
	return closeErr
}

func (r *fileRegion) Persistent() bool {
	return true
}

func (r *fileRegion) Path() string {
	return r.path
}

// Rotate moves an existing file at path out of the way by renaming it with
// PrevSuffix. A previous rotation is overwritten. Missing files are ignored.
func Rotate(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.Rename(path, path+PrevSuffix); err != nil {
		return fmt.Errorf("failed to rotate %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a non-empty file exists at path
func Exists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.Size() > 0
}
