package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/store"
	"google.golang.org/protobuf/types/known/structpb"
)

func openStore(t *testing.T, name string) *store.Store {
	t.Helper()
	cfg := config.NewDefaultStoreConfig(name)
	cfg.SizeMB = 1
	s, err := store.Open(cfg, store.Options{Logger: log.NewNop()})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fillStore(t *testing.T, s *store.Store) {
	t.Helper()
	obj, err := structpb.NewStruct(map[string]interface{}{"role": "admin"})
	if err != nil {
		t.Fatal(err)
	}
	steps := []error{
		s.PutText("name", "alice"),
		s.PutInt64("balance", -42),
		s.PutInt32("age", 30),
		s.PutInt16("level", 7),
		s.PutFloat64("ratio", 0.25),
		s.PutFloat32("temp", 21.5),
		s.PutChar("grade", 'A'),
		s.PutBytes("blob", []byte{0, 1, 2, 3}),
		s.PutObject("profile", obj),
		s.PutText("gone", "soon"),
		s.Remove("gone"),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestExportImport(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecSnappy, CodecBzip2} {
		t.Run(codec.String(), func(t *testing.T) {
			src := openStore(t, "src")
			fillStore(t, src)

			var buf bytes.Buffer
			exported, err := Export(src, &buf, codec)
			if err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if exported.Records != 9 {
				t.Errorf("Expected 9 exported records, got %d", exported.Records)
			}

			dst := openStore(t, "dst")
			imported, err := Import(dst, &buf)
			if err != nil {
				t.Fatalf("Import failed: %v", err)
			}
			if imported.ID != exported.ID || imported.Codec != codec || imported.Records != 9 {
				t.Errorf("Header mismatch: exported %+v, imported %+v", exported, imported)
			}
			if dst.Len() != 9 {
				t.Errorf("Expected 9 live keys, got %d", dst.Len())
			}

			if v, err := dst.GetText("name"); err != nil || v != "alice" {
				t.Errorf("name: %q %v", v, err)
			}
			if v, err := dst.GetInt64("balance"); err != nil || v != -42 {
				t.Errorf("balance: %d %v", v, err)
			}
			if v, err := dst.GetChar("grade"); err != nil || v != 'A' {
				t.Errorf("grade: %q %v", v, err)
			}
			if v, err := dst.GetBytes("blob"); err != nil || !bytes.Equal(v, []byte{0, 1, 2, 3}) {
				t.Errorf("blob: %v %v", v, err)
			}
			var obj structpb.Struct
			if err := dst.GetObject("profile", &obj); err != nil || obj.Fields["role"].GetStringValue() != "admin" {
				t.Errorf("profile: %v %v", &obj, err)
			}
			if dst.Contains("gone") {
				t.Error("Removed key was exported")
			}
		})
	}
}

func TestImportOverwrites(t *testing.T) {
	src := openStore(t, "src")
	if err := src.PutText("k", "new"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := Export(src, &buf, CodecZstd); err != nil {
		t.Fatal(err)
	}

	dst := openStore(t, "dst")
	if err := dst.PutInt64("k", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := Import(dst, &buf); err != nil {
		t.Fatal(err)
	}
	if v, err := dst.GetText("k"); err != nil || v != "new" {
		t.Errorf("Expected overwritten value, got %q %v", v, err)
	}
	if _, err := dst.GetInt64("k"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Old typed value still visible: %v", err)
	}
}

func TestEmptyStore(t *testing.T) {
	var buf bytes.Buffer
	info, err := Export(openStore(t, "empty"), &buf, CodecSnappy)
	if err != nil || info.Records != 0 {
		t.Fatalf("Export of empty store: %+v %v", info, err)
	}
	dst := openStore(t, "dst")
	if info, err := Import(dst, &buf); err != nil || info.Records != 0 {
		t.Errorf("Import of empty snapshot: %+v %v", info, err)
	}
}

func TestImportRejectsBadInput(t *testing.T) {
	src := openStore(t, "src")
	fillStore(t, src)
	var buf bytes.Buffer
	if _, err := Export(src, &buf, CodecNone); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	t.Run("BadMagic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xFF
		if _, err := Import(openStore(t, "dst"), bytes.NewReader(bad)); !errors.Is(err, ErrBadMagic) {
			t.Errorf("Expected ErrBadMagic, got %v", err)
		}
	})

	t.Run("HeaderChecksum", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[30] ^= 0xFF
		if _, err := Import(openStore(t, "dst"), bytes.NewReader(bad)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("ShortHeader", func(t *testing.T) {
		if _, err := Import(openStore(t, "dst"), bytes.NewReader(data[:10])); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		if _, err := Import(openStore(t, "dst"), bytes.NewReader(data[:len(data)-12])); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("OversizedValueLength", func(t *testing.T) {
		forged := encodeHeader(Info{Codec: CodecNone})
		forged = append(forged, byte(record.TypeBytes))
		forged = binary.LittleEndian.AppendUint16(forged, 1)
		forged = append(forged, 'k')
		forged = binary.LittleEndian.AppendUint32(forged, math.MaxUint32)
		forged = append(forged, 1, 2, 3, 4)

		dst := openStore(t, "dst")
		if _, err := Import(dst, bytes.NewReader(forged)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Expected ErrCorrupt, got %v", err)
		}
		if dst.Contains("k") {
			t.Error("Truncated frame was imported")
		}
	})

	t.Run("UnknownCodec", func(t *testing.T) {
		hdr := encodeHeader(Info{Codec: Codec(42)})
		if _, err := Import(openStore(t, "dst"), bytes.NewReader(hdr)); !errors.Is(err, ErrUnknownCodec) {
			t.Errorf("Expected ErrUnknownCodec, got %v", err)
		}
	})
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		name string
		want Codec
		err  bool
	}{
		{"", CodecZstd, false},
		{"zstd", CodecZstd, false},
		{"NONE", CodecNone, false},
		{"snappy", CodecSnappy, false},
		{"bz2", CodecBzip2, false},
		{"lz4", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.name)
		if (err != nil) != tt.err {
			t.Errorf("ParseCodec(%q) error = %v", tt.name, err)
			continue
		}
		if !tt.err && got != tt.want {
			t.Errorf("ParseCodec(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if !errors.Is(func() error { _, err := ParseCodec("lz4"); return err }(), ErrUnknownCodec) {
		t.Error("Expected ErrUnknownCodec")
	}
}
