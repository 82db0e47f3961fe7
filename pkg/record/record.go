// Package record defines how a single record is framed inside a journal:
// a fixed header followed by a key-prefixed, typed payload.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderSize is the size of a record header in bytes
	// - Active flag (1 byte)
	// - Type tag (1 byte)
	// - Payload length (4 bytes)
	HeaderSize = 6

	// KeyLenSize is the size of the key length prefix inside a payload
	KeyLenSize = 2

	// MaxKeySize is the largest key that fits the key length prefix
	MaxKeySize = math.MaxUint16
)

var (
	ErrShortBuffer = errors.New("buffer too small for record")
	ErrKeyTooLarge = errors.New("key too large")
	ErrInvalidType = errors.New("invalid record type")
	ErrValueSize   = errors.New("value has wrong size for type")
)

// Type is the tag stored in every record header.
type Type uint8

const (
	// TypeEmpty marks a journal position that was never written
	TypeEmpty Type = iota
	TypeObject
	TypeText
	TypeInt64
	TypeInt32
	TypeFloat64
	TypeFloat32
	TypeInt16
	TypeChar
	TypeBytes
)

var typeNames = map[Type]string{
	TypeEmpty:   "empty",
	TypeObject:  "object",
	TypeText:    "text",
	TypeInt64:   "int64",
	TypeInt32:   "int32",
	TypeFloat64: "float64",
	TypeFloat32: "float32",
	TypeInt16:   "int16",
	TypeChar:    "char",
	TypeBytes:   "bytes",
}

// String returns the name of the type
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// Valid reports whether t is a storable value type
func (t Type) Valid() bool {
	return t > TypeEmpty && t <= TypeBytes
}

// FixedSize returns the encoded width of fixed-size types.
// The second result is false for variable-width types.
func (t Type) FixedSize() (int, bool) {
	switch t {
	case TypeInt64, TypeFloat64:
		return 8, true
	case TypeInt32, TypeFloat32, TypeChar:
		return 4, true
	case TypeInt16:
		return 2, true
	default:
		return 0, false
	}
}

// ParseType converts a type name back to its tag
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name && t.Valid() {
			return t, nil
		}
	}
	return TypeEmpty, fmt.Errorf("%w: %q", ErrInvalidType, name)
}

// Header is the fixed-size prefix of every record
type Header struct {
	Active bool
	Type   Type
	Length uint32
}

// Size returns the full span of the record, header included
func (h Header) Size() int64 {
	return HeaderSize + int64(h.Length)
}

// Encode writes the header into dst, which must hold HeaderSize bytes
func (h Header) Encode(dst []byte) {
	if h.Active {
		dst[0] = 1
	} else {
		dst[0] = 0
	}
	dst[1] = byte(h.Type)
	binary.LittleEndian.PutUint32(dst[2:6], h.Length)
}

// DecodeHeader parses a header from src
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Active: src[0] == 1,
		Type:   Type(src[1]),
		Length: binary.LittleEndian.Uint32(src[2:6]),
	}, nil
}

// PayloadSize returns the payload length needed for a key and a value of valueLen bytes
func PayloadSize(key string, valueLen int) int {
	return KeyLenSize + len(key) + valueLen
}

// EncodePayload builds a key-prefixed payload
func EncodePayload(key string, value []byte) ([]byte, error) {
	if len(key) > MaxKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	buf := make([]byte, PayloadSize(key, len(value)))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[KeyLenSize:], key)
	copy(buf[KeyLenSize+len(key):], value)
	return buf, nil
}

// DecodePayload splits a payload into its key and value.
// The returned value aliases p.
func DecodePayload(p []byte) (string, []byte, error) {
	if len(p) < KeyLenSize {
		return "", nil, ErrShortBuffer
	}
	keyLen := int(binary.LittleEndian.Uint16(p[0:2]))
	if len(p) < KeyLenSize+keyLen {
		return "", nil, ErrShortBuffer
	}
	return string(p[KeyLenSize : KeyLenSize+keyLen]), p[KeyLenSize+keyLen:], nil
}

// PayloadKeyEquals reports whether the payload carries key, without allocating
func PayloadKeyEquals(p []byte, key string) bool {
	if len(p) < KeyLenSize {
		return false
	}
	keyLen := int(binary.LittleEndian.Uint16(p[0:2]))
	if keyLen != len(key) || len(p) < KeyLenSize+keyLen {
		return false
	}
	return string(p[KeyLenSize:KeyLenSize+keyLen]) == key
}
