package store

import (
	"fmt"

	"github.com/KevoDB/kvjournal/pkg/record"
	"google.golang.org/protobuf/proto"
)

// PutText stores a string value
func (s *Store) PutText(key, value string) error {
	return s.put(key, record.TypeText, []byte(value))
}

// GetText returns the string value of key
func (s *Store) GetText(key string) (string, error) {
	b, err := s.get(key, record.TypeText)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PutBytes stores a byte array value
func (s *Store) PutBytes(key string, value []byte) error {
	return s.put(key, record.TypeBytes, value)
}

// GetBytes returns a copy of the byte array value of key
func (s *Store) GetBytes(key string) ([]byte, error) {
	return s.get(key, record.TypeBytes)
}

func (s *Store) PutInt64(key string, value int64) error {
	return s.put(key, record.TypeInt64, record.EncodeInt64(value))
}

func (s *Store) GetInt64(key string) (int64, error) {
	b, err := s.get(key, record.TypeInt64)
	if err != nil {
		return 0, err
	}
	return record.DecodeInt64(b)
}

func (s *Store) PutInt32(key string, value int32) error {
	return s.put(key, record.TypeInt32, record.EncodeInt32(value))
}

func (s *Store) GetInt32(key string) (int32, error) {
	b, err := s.get(key, record.TypeInt32)
	if err != nil {
		return 0, err
	}
	return record.DecodeInt32(b)
}

func (s *Store) PutInt16(key string, value int16) error {
	return s.put(key, record.TypeInt16, record.EncodeInt16(value))
}

func (s *Store) GetInt16(key string) (int16, error) {
	b, err := s.get(key, record.TypeInt16)
	if err != nil {
		return 0, err
	}
	return record.DecodeInt16(b)
}

func (s *Store) PutFloat64(key string, value float64) error {
	return s.put(key, record.TypeFloat64, record.EncodeFloat64(value))
}

func (s *Store) GetFloat64(key string) (float64, error) {
	b, err := s.get(key, record.TypeFloat64)
	if err != nil {
		return 0, err
	}
	return record.DecodeFloat64(b)
}

func (s *Store) PutFloat32(key string, value float32) error {
	return s.put(key, record.TypeFloat32, record.EncodeFloat32(value))
}

func (s *Store) GetFloat32(key string) (float32, error) {
	b, err := s.get(key, record.TypeFloat32)
	if err != nil {
		return 0, err
	}
	return record.DecodeFloat32(b)
}

// PutChar stores a single character
func (s *Store) PutChar(key string, value rune) error {
	return s.put(key, record.TypeChar, record.EncodeChar(value))
}

func (s *Store) GetChar(key string) (rune, error) {
	b, err := s.get(key, record.TypeChar)
	if err != nil {
		return 0, err
	}
	return record.DecodeChar(b)
}

// PutObject stores the protobuf encoding of msg
func (s *Store) PutObject(key string, msg proto.Message) error {
	b, err := record.EncodeObject(msg)
	if err != nil {
		return err
	}
	return s.put(key, record.TypeObject, b)
}

// GetObject decodes the object stored under key into msg
func (s *Store) GetObject(key string, msg proto.Message) error {
	b, err := s.get(key, record.TypeObject)
	if err != nil {
		return err
	}
	return record.DecodeObject(b, msg)
}

// Put stores a Go value under the type tag that matches its dynamic type.
// See record.EncodeValue for the accepted types.
func (s *Store) Put(key string, value interface{}) error {
	t, b, err := record.EncodeValue(value)
	if err != nil {
		return err
	}
	return s.put(key, t, b)
}

// PutRaw stores an already encoded value of type t
func (s *Store) PutRaw(key string, t record.Type, value []byte) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %v", record.ErrInvalidType, t)
	}
	if size, fixed := t.FixedSize(); fixed && len(value) != size {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", record.ErrValueSize, t, size, len(value))
	}
	return s.put(key, t, value)
}

// GetRaw returns the encoded value of key and the type it was stored with
func (s *Store) GetRaw(key string) (record.Type, []byte, error) {
	return s.getAny(key)
}

// GetRawAs returns the encoded value of key when it was stored as type t
func (s *Store) GetRawAs(key string, t record.Type) ([]byte, error) {
	return s.get(key, t)
}
