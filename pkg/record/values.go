package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/proto"
)

func EncodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func EncodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func EncodeInt16(v int16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return b
}

func EncodeFloat64(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func EncodeFloat32(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func EncodeChar(v rune) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// EncodeObject serializes a protobuf message into a blob payload
func EncodeObject(msg proto.Message) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return data, nil
}

func checkSize(t Type, b []byte) error {
	size, _ := t.FixedSize()
	if len(b) != size {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrValueSize, t, size, len(b))
	}
	return nil
}

func DecodeInt64(b []byte) (int64, error) {
	if err := checkSize(TypeInt64, b); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func DecodeInt32(b []byte) (int32, error) {
	if err := checkSize(TypeInt32, b); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func DecodeInt16(b []byte) (int16, error) {
	if err := checkSize(TypeInt16, b); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func DecodeFloat64(b []byte) (float64, error) {
	if err := checkSize(TypeFloat64, b); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func DecodeFloat32(b []byte) (float32, error) {
	if err := checkSize(TypeFloat32, b); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func DecodeChar(b []byte) (rune, error) {
	if err := checkSize(TypeChar, b); err != nil {
		return 0, err
	}
	return rune(binary.LittleEndian.Uint32(b)), nil
}

// DecodeObject unmarshals a blob payload into msg
func DecodeObject(b []byte, msg proto.Message) error {
	if err := proto.Unmarshal(b, msg); err != nil {
		return fmt.Errorf("failed to unmarshal object: %w", err)
	}
	return nil
}

// EncodeValue converts a Go value to its payload encoding and type tag.
// Objects must implement proto.Message.
func EncodeValue(v interface{}) (Type, []byte, error) {
	switch val := v.(type) {
	case string:
		return TypeText, []byte(val), nil
	case []byte:
		return TypeBytes, val, nil
	case int64:
		return TypeInt64, EncodeInt64(val), nil
	case int:
		return TypeInt64, EncodeInt64(int64(val)), nil
	case int32:
		return TypeInt32, EncodeInt32(val), nil
	case int16:
		return TypeInt16, EncodeInt16(val), nil
	case float64:
		return TypeFloat64, EncodeFloat64(val), nil
	case float32:
		return TypeFloat32, EncodeFloat32(val), nil
	case proto.Message:
		data, err := EncodeObject(val)
		if err != nil {
			return TypeEmpty, nil, err
		}
		return TypeObject, data, nil
	default:
		return TypeEmpty, nil, fmt.Errorf("%w: unsupported value %T", ErrInvalidType, v)
	}
}

// DecodeValue converts an encoded value back into a Go value.
// Objects are returned as their raw serialized bytes since the message type is unknown here.
func DecodeValue(t Type, b []byte) (interface{}, error) {
	switch t {
	case TypeText:
		return string(b), nil
	case TypeBytes, TypeObject:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case TypeInt64:
		return DecodeInt64(b)
	case TypeInt32:
		return DecodeInt32(b)
	case TypeInt16:
		return DecodeInt16(b)
	case TypeFloat64:
		return DecodeFloat64(b)
	case TypeFloat32:
		return DecodeFloat32(b)
	case TypeChar:
		return DecodeChar(b)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, t)
	}
}

// ParseValue encodes the textual form of a value, as typed at a prompt.
func ParseValue(t Type, s string) ([]byte, error) {
	switch t {
	case TypeText:
		return []byte(s), nil
	case TypeBytes:
		return []byte(s), nil
	case TypeInt64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return EncodeInt64(v), nil
	case TypeInt32:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, err
		}
		return EncodeInt32(int32(v)), nil
	case TypeInt16:
		v, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return nil, err
		}
		return EncodeInt16(int16(v)), nil
	case TypeFloat64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return EncodeFloat64(v), nil
	case TypeFloat32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		return EncodeFloat32(float32(v)), nil
	case TypeChar:
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("%w: char needs exactly one character", ErrValueSize)
		}
		return EncodeChar(r[0]), nil
	default:
		return nil, fmt.Errorf("%w: cannot parse %s from text", ErrInvalidType, t)
	}
}

// FormatValue renders an encoded value for display
func FormatValue(t Type, b []byte) string {
	if t == TypeChar {
		r, err := DecodeChar(b)
		if err != nil {
			return fmt.Sprintf("<%v>", err)
		}
		return string(r)
	}
	v, err := DecodeValue(t, b)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	switch val := v.(type) {
	case []byte:
		if t == TypeObject {
			return fmt.Sprintf("<object %d bytes>", len(val))
		}
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
