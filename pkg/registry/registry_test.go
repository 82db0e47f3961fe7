package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/store"
)

func newPersistedRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	cfg := config.NewDefaultConfig(dir)
	cfg.DefaultSizeMB = 1
	r, err := New(cfg, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return r
}

func TestCreateGetDelete(t *testing.T) {
	r, err := New(nil, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	st, err := r.CreateStore("users", config.InMemory, 1, 1)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if got, ok := r.GetStore("users"); !ok || got != st {
		t.Fatal("GetStore did not return the created store")
	}

	if _, err := r.CreateStore("users", config.InMemory, 1, 1); !errors.Is(err, ErrStoreExists) {
		t.Errorf("Expected ErrStoreExists, got %v", err)
	}

	if err := r.DeleteStore("users"); err != nil {
		t.Fatalf("Failed to delete store: %v", err)
	}
	if _, ok := r.GetStore("users"); ok {
		t.Error("Deleted store still registered")
	}
	if err := r.DeleteStore("users"); !errors.Is(err, ErrStoreNotFound) {
		t.Errorf("Expected ErrStoreNotFound, got %v", err)
	}
}

func TestFailedCreationLeavesNoEntry(t *testing.T) {
	r, err := New(nil, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.CreateStore("huge", config.InMemory, config.MaxSizeMB+1, 1); !errors.Is(err, config.ErrSizeTooLarge) {
		t.Fatalf("Expected ErrSizeTooLarge, got %v", err)
	}
	if _, ok := r.GetStore("huge"); ok {
		t.Error("Failed store was registered")
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d stores", r.Len())
	}

	// Persisted stores need a folder
	if _, err := r.CreateStore("disk", config.Persisted, 1, 1); err == nil {
		t.Error("Expected persisted store without data dir to fail")
	}
}

func TestPassThrough(t *testing.T) {
	r, err := New(nil, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.CreateStore("kv", config.InMemory, 1, 1); err != nil {
		t.Fatal(err)
	}

	if err := r.Put("kv", "name", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := r.PutRaw("kv", "age", record.TypeInt32, record.EncodeInt32(30)); err != nil {
		t.Fatal(err)
	}

	typ, b, err := r.Get("kv", "name")
	if err != nil || typ != record.TypeText || string(b) != "alice" {
		t.Errorf("Get returned %v %q %v", typ, b, err)
	}
	if b, err := r.GetAs("kv", "age", record.TypeInt32); err != nil {
		t.Errorf("GetAs failed: %v", err)
	} else if v, _ := record.DecodeInt32(b); v != 30 {
		t.Errorf("Expected 30, got %d", v)
	}
	if _, err := r.GetAs("kv", "age", record.TypeText); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for wrong type, got %v", err)
	}

	var keys []string
	for rec, ok := r.IterateStart("kv"); ok; rec, ok = r.IterateNext("kv") {
		keys = append(keys, rec.Key)
	}
	if !reflect.DeepEqual(keys, []string{"name", "age"}) {
		t.Errorf("Unexpected scan %v", keys)
	}

	if err := r.Remove("kv", "name"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Get("kv", "name"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Expected removed key to be missing, got %v", err)
	}

	if err := r.Put("nope", "k", "v"); !errors.Is(err, ErrStoreNotFound) {
		t.Errorf("Expected ErrStoreNotFound, got %v", err)
	}
	if _, ok := r.IterateStart("nope"); ok {
		t.Error("Unknown store should not iterate")
	}
}

func TestStatsFlattened(t *testing.T) {
	r, err := New(nil, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.CreateStore("a", config.InMemory, 1, 1)
	r.CreateStore("b", config.InMemory, 1, 1)
	r.Put("a", "k", int64(1))

	m, err := r.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if m["a.record_count"] != int64(1) {
		t.Errorf("Expected a.record_count 1, got %v", m["a.record_count"])
	}
	if m["b.record_count"] != int64(0) {
		t.Errorf("Expected b.record_count 0, got %v", m["b.record_count"])
	}
	if _, ok := m["a.operations.put_ops"]; !ok {
		t.Error("Expected nested operation counters to be flattened")
	}

	st, err := r.StoreStats("a")
	if err != nil || st.Name != "a" || st.LiveKeys != 1 {
		t.Errorf("Unexpected store stats %+v %v", st, err)
	}
}

func TestCatalogReopen(t *testing.T) {
	dir := t.TempDir()

	r := newPersistedRegistry(t, dir)
	if _, err := r.CreateStore("users", config.Persisted, 1, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateStore("scratch", config.InMemory, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Put("users", "alice", "admin"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Names(), []string{"scratch", "users"}) {
		t.Errorf("Unexpected names %v", r.Names())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Failed to close registry: %v", err)
	}
	if _, err := r.CreateStore("late", config.InMemory, 1, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, config.DefaultCatalogFileName)); err != nil {
		t.Fatalf("Catalog not written: %v", err)
	}

	r = newPersistedRegistry(t, dir)
	defer r.Close()

	opened, err := r.OpenCatalog()
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	if !reflect.DeepEqual(opened, []string{"users"}) {
		t.Errorf("Expected only the persisted store to reopen, got %v", opened)
	}
	typ, b, err := r.Get("users", "alice")
	if err != nil || typ != record.TypeText || string(b) != "admin" {
		t.Errorf("Recovered value %v %q %v", typ, b, err)
	}

	// A second call has nothing left to open
	if again, err := r.OpenCatalog(); err != nil || len(again) != 0 {
		t.Errorf("Expected nothing to reopen, got %v %v", again, err)
	}

	// Deleting removes the files and the catalog entry
	if err := r.DeleteStore("users"); err != nil {
		t.Fatal(err)
	}
	cat, err := config.LoadCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cat.Len() != 0 {
		t.Errorf("Catalog still lists %v", cat.Names())
	}
	if _, err := os.Stat(filepath.Join(dir, "usersjournal")); !os.IsNotExist(err) {
		t.Error("Journal file not removed")
	}
}

func TestUpdateDefaults(t *testing.T) {
	dir := t.TempDir()
	r := newPersistedRegistry(t, dir)
	defer r.Close()

	next := config.NewDefaultConfig(dir)
	next.DefaultMode = config.InMemory
	next.DefaultSizeMB = 2
	if err := r.UpdateDefaults(next); err != nil {
		t.Fatal(err)
	}

	st, err := r.CreateStore("fresh", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if sc := st.Config(); sc.SizeMB != 2 {
		t.Errorf("Expected updated default size, got %d", sc.SizeMB)
	}

	bad := config.NewDefaultConfig(dir)
	bad.LoadFactorLimit = 0
	if err := r.UpdateDefaults(bad); err == nil {
		t.Error("Expected invalid defaults to be rejected")
	}
}

func TestIndependentStoresConcurrently(t *testing.T) {
	r, err := New(nil, WithLogger(log.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	names := []string{"s1", "s2", "s3", "s4"}
	for _, n := range names {
		if _, err := r.CreateStore(n, config.InMemory, 1, 1); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := r.Put(name, "counter", int64(i)); err != nil {
					t.Errorf("%s: %v", name, err)
					return
				}
			}
		}(n)
	}
	wg.Wait()

	for _, n := range names {
		b, err := r.GetAs(n, "counter", record.TypeInt64)
		if err != nil {
			t.Fatalf("%s: %v", n, err)
		}
		if v, _ := record.DecodeInt64(b); v != 199 {
			t.Errorf("%s: expected 199, got %d", n, v)
		}
	}
}
