package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// HeaderMagic identifies a journal file
	HeaderMagic = uint64(0x4C4E524A564B0001)

	// FormatVersion is written into every new journal header
	FormatVersion = "kvjournal/1"

	// Fixed part of the file header
	// - Magic (8 bytes)
	// - End of written data (8 bytes)
	// - Creation timestamp, unix nanoseconds (8 bytes)
	// - Journal ID (16 bytes)
	fixedHeaderSize = 40
	endFieldOffset  = 8
	checksumSize    = 8
)

var (
	ErrCorruptHeader = errors.New("corrupt journal header")
	errHeaderSum     = errors.New("journal header checksum mismatch")
)

// FileHeader is written at offset zero of every journal. The records start
// right after it.
type FileHeader struct {
	End     int64
	Created int64
	ID      uuid.UUID
	Version string
	Name    string
}

// Size returns the encoded length of the header
func (h *FileHeader) Size() int64 {
	return fixedHeaderSize + 2 + int64(len(h.Version)) + 2 + int64(len(h.Name)) + checksumSize
}

// Encode writes the header and its checksum into dst
func (h *FileHeader) Encode(dst []byte) error {
	if len(h.Version) > math.MaxUint16 || len(h.Name) > math.MaxUint16 {
		return fmt.Errorf("%w: field too long", ErrCorruptHeader)
	}
	size := h.Size()
	if int64(len(dst)) < size {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrCorruptHeader, size, len(dst))
	}

	binary.LittleEndian.PutUint64(dst[0:8], HeaderMagic)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.End))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(h.Created))
	copy(dst[24:40], h.ID[:])

	pos := fixedHeaderSize
	pos += putString(dst[pos:], h.Version)
	pos += putString(dst[pos:], h.Name)

	binary.LittleEndian.PutUint64(dst[pos:pos+checksumSize], xxhash.Sum64(dst[:pos]))
	return nil
}

// updateEnd rewrites the end field in an already encoded header of the given size
func updateEnd(dst []byte, size int64, end int64) {
	binary.LittleEndian.PutUint64(dst[endFieldOffset:endFieldOffset+8], uint64(end))
	body := size - checksumSize
	binary.LittleEndian.PutUint64(dst[body:size], xxhash.Sum64(dst[:body]))
}

// DecodeFileHeader parses the header at the start of src.
// A header whose layout is readable but whose checksum does not verify is
// returned together with errHeaderSum so recovery can still use the name.
func DecodeFileHeader(src []byte) (*FileHeader, error) {
	if len(src) < fixedHeaderSize+4+checksumSize {
		return nil, fmt.Errorf("%w: file too small", ErrCorruptHeader)
	}
	if magic := binary.LittleEndian.Uint64(src[0:8]); magic != HeaderMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorruptHeader, magic)
	}

	h := &FileHeader{
		End:     int64(binary.LittleEndian.Uint64(src[8:16])),
		Created: int64(binary.LittleEndian.Uint64(src[16:24])),
	}
	copy(h.ID[:], src[24:40])

	pos := fixedHeaderSize
	var ok bool
	if h.Version, pos, ok = getString(src, pos); !ok {
		return nil, fmt.Errorf("%w: truncated version", ErrCorruptHeader)
	}
	if h.Name, pos, ok = getString(src, pos); !ok {
		return nil, fmt.Errorf("%w: truncated name", ErrCorruptHeader)
	}
	if len(src) < pos+checksumSize {
		return nil, fmt.Errorf("%w: truncated checksum", ErrCorruptHeader)
	}

	stored := binary.LittleEndian.Uint64(src[pos : pos+checksumSize])
	if stored != xxhash.Sum64(src[:pos]) {
		return h, errHeaderSum
	}
	return h, nil
}

func putString(dst []byte, s string) int {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(len(s)))
	copy(dst[2:], s)
	return 2 + len(s)
}

func getString(src []byte, pos int) (string, int, bool) {
	if len(src) < pos+2 {
		return "", pos, false
	}
	n := int(binary.LittleEndian.Uint16(src[pos : pos+2]))
	pos += 2
	if len(src) < pos+n {
		return "", pos, false
	}
	return string(src[pos : pos+n]), pos + n, true
}
