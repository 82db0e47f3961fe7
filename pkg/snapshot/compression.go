package snapshot

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// ErrUnknownCodec is returned when an unsupported compression codec is specified
var ErrUnknownCodec = errors.New("unknown compression codec")

// Codec selects how the frame stream of a snapshot is compressed
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecSnappy
	CodecBzip2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	case CodecBzip2:
		return "bzip2"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name to its Codec. An empty name means zstd.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return CodecZstd, nil
	case "none", "raw":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "bzip2", "bz2":
		return CodecBzip2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// newCompressWriter returns a writer that compresses data using the specified codec
func newCompressWriter(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecNone:
		return nopCloser{w}, nil

	case CodecZstd:
		return zstd.NewWriter(w)

	case CodecSnappy:
		return snappy.NewBufferedWriter(w), nil

	case CodecBzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// newCompressReader returns a reader that decompresses data using the specified codec
func newCompressReader(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecNone:
		return io.NopCloser(r), nil

	case CodecZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &zstdReadCloser{decoder}, nil

	case CodecSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil

	case CodecBzip2:
		return bzip2.NewReader(r, &bzip2.ReaderConfig{})

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// zstdReadCloser wraps a zstd.Decoder to implement io.ReadCloser
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
