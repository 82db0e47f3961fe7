// Package snapshot exports the live records of a store into a compressed
// stream and replays such a stream into another store.
//
// Layout:
//
//	header: magic:8 | codec:1 | id:16 | created:8 | checksum:8
//	frames: [type:1][key_len:2][key][value_len:4][value] ...
//	end:    [0x00][count:8]
//
// The header is written uncompressed; frames and the end marker go through
// the codec named in the header.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/store"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// Magic identifies a snapshot stream
	Magic = uint64(0x50414E534A564B01)

	headerSize   = 8 + 1 + 16 + 8 + 8
	checksumFrom = headerSize - 8

	frameHeaderSize = 1 + 2
	endMarker       = byte(record.TypeEmpty)
)

var (
	ErrBadMagic     = errors.New("not a snapshot stream")
	ErrCorrupt      = errors.New("corrupt snapshot")
	ErrValueTooLong = errors.New("value too long for snapshot frame")
)

// Source is anything that can enumerate its live records
type Source interface {
	ForEach(fn func(store.Record) error) error
}

// Sink receives the records of an imported snapshot
type Sink interface {
	PutRaw(key string, t record.Type, value []byte) error
}

var (
	_ Source = (*store.Store)(nil)
	_ Sink   = (*store.Store)(nil)
)

// Info describes a snapshot
type Info struct {
	ID      uuid.UUID
	Codec   Codec
	Created time.Time
	Records int64
}

func encodeHeader(info Info) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], Magic)
	buf[8] = byte(info.Codec)
	copy(buf[9:25], info.ID[:])
	binary.LittleEndian.PutUint64(buf[25:33], uint64(info.Created.UnixNano()))
	binary.LittleEndian.PutUint64(buf[checksumFrom:], xxhash.Sum64(buf[:checksumFrom]))
	return buf
}

func decodeHeader(buf []byte) (Info, error) {
	if binary.LittleEndian.Uint64(buf[0:8]) != Magic {
		return Info{}, ErrBadMagic
	}
	if binary.LittleEndian.Uint64(buf[checksumFrom:]) != xxhash.Sum64(buf[:checksumFrom]) {
		return Info{}, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}

	var info Info
	info.Codec = Codec(buf[8])
	copy(info.ID[:], buf[9:25])
	info.Created = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[25:33])))
	return info, nil
}

// Export writes every live record of src to w, compressed with codec
func Export(src Source, w io.Writer, codec Codec) (Info, error) {
	info := Info{
		ID:      uuid.New(),
		Codec:   codec,
		Created: time.Now(),
	}
	logger := log.WithFields(map[string]interface{}{
		"snapshot": info.ID.String(),
		"codec":    codec.String(),
	})

	if _, err := w.Write(encodeHeader(info)); err != nil {
		return info, fmt.Errorf("failed to write snapshot header: %w", err)
	}

	cw, err := newCompressWriter(w, codec)
	if err != nil {
		return info, err
	}
	bw := bufio.NewWriter(cw)

	frame := make([]byte, 0, 256)
	err = src.ForEach(func(rec store.Record) error {
		if uint64(len(rec.Value)) > math.MaxUint32 {
			return fmt.Errorf("%w: %s", ErrValueTooLong, rec.Key)
		}
		if len(rec.Key) > math.MaxUint16 {
			return fmt.Errorf("%w: %s", record.ErrKeyTooLarge, rec.Key)
		}

		frame = frame[:0]
		frame = append(frame, byte(rec.Type))
		frame = binary.LittleEndian.AppendUint16(frame, uint16(len(rec.Key)))
		frame = append(frame, rec.Key...)
		frame = binary.LittleEndian.AppendUint32(frame, uint32(len(rec.Value)))
		frame = append(frame, rec.Value...)
		if _, err := bw.Write(frame); err != nil {
			return err
		}
		info.Records++
		return nil
	})
	if err != nil {
		cw.Close()
		logger.Error("Snapshot export failed after %d records: %v", info.Records, err)
		return info, fmt.Errorf("failed to export snapshot: %w", err)
	}

	end := make([]byte, 9)
	end[0] = endMarker
	binary.LittleEndian.PutUint64(end[1:], uint64(info.Records))
	if _, err := bw.Write(end); err != nil {
		cw.Close()
		return info, fmt.Errorf("failed to write snapshot end: %w", err)
	}
	if err := bw.Flush(); err != nil {
		cw.Close()
		return info, fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := cw.Close(); err != nil {
		return info, fmt.Errorf("failed to finish snapshot: %w", err)
	}

	logger.Info("Exported %d records", info.Records)
	return info, nil
}

// Import replays a snapshot from r into dst. Records already present in dst
// are overwritten. On error, the records imported so far stay in dst.
func Import(dst Sink, r io.Reader) (Info, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Info{}, fmt.Errorf("%w: short header", ErrCorrupt)
		}
		return Info{}, err
	}
	info, err := decodeHeader(hdr)
	if err != nil {
		return info, err
	}
	logger := log.WithFields(map[string]interface{}{
		"snapshot": info.ID.String(),
		"codec":    info.Codec.String(),
	})

	cr, err := newCompressReader(r, info.Codec)
	if err != nil {
		return info, err
	}
	defer cr.Close()
	br := bufio.NewReader(cr)

	var fh [frameHeaderSize]byte
	var lenBuf [4]byte
	var value bytes.Buffer
	for {
		if _, err := io.ReadFull(br, fh[:1]); err != nil {
			return info, fmt.Errorf("%w: missing end marker: %v", ErrCorrupt, err)
		}
		if fh[0] == endMarker {
			var count [8]byte
			if _, err := io.ReadFull(br, count[:]); err != nil {
				return info, fmt.Errorf("%w: truncated end marker", ErrCorrupt)
			}
			if want := int64(binary.LittleEndian.Uint64(count[:])); want != info.Records {
				return info, fmt.Errorf("%w: expected %d records, read %d", ErrCorrupt, want, info.Records)
			}
			break
		}

		t := record.Type(fh[0])
		if !t.Valid() {
			return info, fmt.Errorf("%w: %v", record.ErrInvalidType, t)
		}
		if _, err := io.ReadFull(br, fh[1:]); err != nil {
			return info, fmt.Errorf("%w: truncated frame", ErrCorrupt)
		}
		key := make([]byte, binary.LittleEndian.Uint16(fh[1:]))
		if _, err := io.ReadFull(br, key); err != nil {
			return info, fmt.Errorf("%w: truncated key", ErrCorrupt)
		}
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return info, fmt.Errorf("%w: truncated frame", ErrCorrupt)
		}
		// The buffer grows with the bytes actually read, not the declared length
		vlen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		value.Reset()
		if _, err := io.CopyN(&value, br, vlen); err != nil {
			return info, fmt.Errorf("%w: truncated value, declared %d bytes", ErrCorrupt, vlen)
		}

		if err := dst.PutRaw(string(key), t, value.Bytes()); err != nil {
			logger.Error("Snapshot import failed at key %s: %v", key, err)
			return info, fmt.Errorf("failed to import %s: %w", key, err)
		}
		info.Records++
	}

	logger.Info("Imported %d records", info.Records)
	return info, nil
}
