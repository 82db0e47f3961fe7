package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/kvjournal/pkg/common/log"
)

// table pairs an index with the keys its offsets stand for, the way a store
// resolves offsets through its journal
type table struct {
	idx  *Index
	keys map[int64]string
	next int64
}

func newTable(t *testing.T, slots int64) *table {
	t.Helper()
	idx, err := Open(Options{Name: "test", Size: slots * SlotSize, GrowBy: 64 * SlotSize, Logger: log.NewNop()})
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	return &table{idx: idx, keys: make(map[int64]string), next: 100}
}

func (tb *table) match(key string) MatchFunc {
	return func(offset int64) bool { return tb.keys[offset] == key }
}

func (tb *table) put(t *testing.T, key string) int64 {
	t.Helper()
	off := tb.next
	tb.next += 10
	tb.keys[off] = key
	if _, _, err := tb.idx.Put(key, off, tb.match(key)); err != nil {
		t.Fatalf("Failed to put %q: %v", key, err)
	}
	return off
}

// sameHome returns n keys that share a home slot in idx
func sameHome(idx *Index, n int) []string {
	groups := make(map[int64][]string)
	for i := 0; ; i++ {
		k := fmt.Sprintf("key-%d", i)
		home := idx.bucketFor(HashKey(k))
		groups[home] = append(groups[home], k)
		if len(groups[home]) == n {
			return groups[home]
		}
	}
}

func TestBucketNeverZero(t *testing.T) {
	tb := newTable(t, 7)
	for i := 0; i < 1000; i++ {
		b := tb.idx.bucketFor(HashKey(fmt.Sprintf("k%d", i)))
		if b < 1 || b >= tb.idx.Slots() {
			t.Fatalf("Bucket %d out of range [1,%d)", b, tb.idx.Slots())
		}
	}
}

func TestBucketFoldsHighBitsUnsigned(t *testing.T) {
	tb := newTable(t, 101)

	// 0x80010000 folds to 0x80018001 with an unsigned shift, |-2147385343| % 100 = 43.
	// A sign-extending shift would give 0x7FFE8001 and slot 45.
	if b := tb.idx.bucketFor(0x80010000); b != 43 {
		t.Errorf("Bucket %d, expected 43", b)
	}
}

func TestPutGetUpdate(t *testing.T) {
	tb := newTable(t, 64)

	off := tb.put(t, "alpha")
	got, ok := tb.idx.Get("alpha", tb.match("alpha"))
	if !ok || got != off {
		t.Fatalf("Get returned %d, %v; expected %d", got, ok, off)
	}

	if _, ok := tb.idx.Get("missing", tb.match("missing")); ok {
		t.Error("Expected missing key to be absent")
	}

	// Re-put updates in place and reports the previous offset
	tb.keys[999] = "alpha"
	prev, replaced, err := tb.idx.Put("alpha", 999, tb.match("alpha"))
	if err != nil || !replaced || prev != off {
		t.Fatalf("Update returned prev=%d replaced=%v err=%v", prev, replaced, err)
	}
	if tb.idx.Len() != 1 {
		t.Errorf("Update changed entry count to %d", tb.idx.Len())
	}
	if got, _ := tb.idx.Get("alpha", tb.match("alpha")); got != 999 {
		t.Errorf("Expected updated offset 999, got %d", got)
	}
}

func TestCollisionsAndTombstones(t *testing.T) {
	tb := newTable(t, 101)
	keys := sameHome(tb.idx, 4)

	tb.put(t, keys[0])
	tb.put(t, keys[1])
	third := tb.put(t, keys[2])

	// Displacements 0, 1 and 2
	if c := tb.idx.Collisions(); c != 3 {
		t.Errorf("Collisions %d, expected 3", c)
	}

	// Removing the middle of the chain must not hide the entry behind it
	if _, ok := tb.idx.Remove(keys[1], tb.match(keys[1])); !ok {
		t.Fatal("Failed to remove middle key")
	}
	if got, ok := tb.idx.Get(keys[2], tb.match(keys[2])); !ok || got != third {
		t.Fatalf("Entry after tombstone lost: %d %v", got, ok)
	}
	if _, ok := tb.idx.Get(keys[1], tb.match(keys[1])); ok {
		t.Error("Removed key still found")
	}
	// Removal never takes collisions back
	if tb.idx.Tombstones() != 1 || tb.idx.Len() != 2 || tb.idx.Collisions() != 3 {
		t.Errorf("After remove: len=%d tombstones=%d collisions=%d",
			tb.idx.Len(), tb.idx.Tombstones(), tb.idx.Collisions())
	}

	// Updating keys[2] probes past keys[0] and the tombstone
	tb.keys[7] = keys[2]
	if _, replaced, err := tb.idx.Put(keys[2], 7, tb.match(keys[2])); err != nil || !replaced {
		t.Fatalf("Update returned replaced=%v err=%v", replaced, err)
	}
	if c := tb.idx.Collisions(); c != 5 {
		t.Errorf("Collisions %d after update, expected 5", c)
	}

	// A new key on the same chain takes the tombstone one step from home
	tb.put(t, keys[3])
	if tb.idx.Tombstones() != 0 || tb.idx.Len() != 3 || tb.idx.Collisions() != 6 {
		t.Errorf("After reuse: len=%d tombstones=%d collisions=%d",
			tb.idx.Len(), tb.idx.Tombstones(), tb.idx.Collisions())
	}

	if _, ok := tb.idx.Remove("never-inserted", tb.match("never-inserted")); ok {
		t.Error("Removing an unknown key should report false")
	}
}

func TestHashCollisionResolvedByMatch(t *testing.T) {
	tb := newTable(t, 32)

	// Two offsets stored under the same key hash are told apart by the match callback
	hash := HashKey("shared")
	tb.keys[1] = "first"
	tb.keys[2] = "second"
	slotA := tb.idx.bucketFor(hash)
	tb.idx.writeSlot(slotA, slotOccupied, hash, 1)
	tb.idx.writeSlot(tb.idx.next(slotA), slotOccupied, hash, 2)
	tb.idx.used = 2

	got, ok := tb.idx.Get("shared", func(off int64) bool { return tb.keys[off] == "second" })
	if !ok || got != 2 {
		t.Errorf("Expected match callback to select offset 2, got %d %v", got, ok)
	}
}

func TestIndexFull(t *testing.T) {
	tb := newTable(t, 3)

	tb.put(t, "a")
	tb.put(t, "b")

	tb.keys[500] = "c"
	if _, _, err := tb.idx.Put("c", 500, tb.match("c")); !errors.Is(err, ErrIndexFull) {
		t.Errorf("Expected ErrIndexFull, got %v", err)
	}
	if tb.idx.Load() != 66 {
		t.Errorf("Load %d, expected 66", tb.idx.Load())
	}
}

func TestLoadIgnoresTombstones(t *testing.T) {
	tb := newTable(t, 100)
	for i := 0; i < 60; i++ {
		tb.put(t, fmt.Sprintf("load-%d", i))
	}
	if tb.idx.Load() != 60 {
		t.Fatalf("Load %d, expected 60", tb.idx.Load())
	}
	for i := 0; i < 60; i++ {
		k := fmt.Sprintf("load-%d", i)
		if _, ok := tb.idx.Remove(k, tb.match(k)); !ok {
			t.Fatalf("Failed to remove %s", k)
		}
	}

	if tb.idx.Load() != 0 {
		t.Errorf("Load %d with no live entries", tb.idx.Load())
	}
	if tb.idx.Occupancy() != 60 {
		t.Errorf("Occupancy %d, expected 60", tb.idx.Occupancy())
	}
}

func TestCompactClearsTombstones(t *testing.T) {
	tb := newTable(t, 101)
	keys := sameHome(tb.idx, 3)
	for _, k := range keys {
		tb.put(t, k)
	}
	if _, ok := tb.idx.Remove(keys[0], tb.match(keys[0])); !ok {
		t.Fatal("Failed to remove head of chain")
	}

	slots := tb.idx.Slots()
	if err := tb.idx.Compact(); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	if tb.idx.Slots() != slots {
		t.Errorf("Compaction changed slots from %d to %d", slots, tb.idx.Slots())
	}
	if tb.idx.Tombstones() != 0 || tb.idx.Len() != 2 || tb.idx.Compactions() != 1 {
		t.Errorf("After compaction: len=%d tombstones=%d compactions=%d",
			tb.idx.Len(), tb.idx.Tombstones(), tb.idx.Compactions())
	}

	// The two survivors move up to displacements 0 and 1
	if c := tb.idx.Collisions(); c != 1 {
		t.Errorf("Collisions %d after compaction, expected 1", c)
	}
	for _, k := range keys[1:] {
		if _, ok := tb.idx.Get(k, tb.match(k)); !ok {
			t.Errorf("Key %s lost by compaction", k)
		}
	}
	if _, ok := tb.idx.Get(keys[0], tb.match(keys[0])); ok {
		t.Error("Removed key found after compaction")
	}
}

func TestGrowRehashes(t *testing.T) {
	tb := newTable(t, 50)
	offsets := make(map[string]int64)

	i := 0
	for tb.idx.Load() <= DefaultLoadLimit {
		k := fmt.Sprintf("grow-%d", i)
		offsets[k] = tb.put(t, k)
		i++
	}
	// Leave a tombstone behind so growth has something to drop
	if _, ok := tb.idx.Remove("grow-0", tb.match("grow-0")); !ok {
		t.Fatal("Failed to remove grow-0")
	}
	delete(offsets, "grow-0")

	oldSlots := tb.idx.Slots()
	if err := tb.idx.Grow(); err != nil {
		t.Fatalf("Failed to grow: %v", err)
	}
	if tb.idx.Slots() <= oldSlots {
		t.Fatalf("Slots %d did not increase from %d", tb.idx.Slots(), oldSlots)
	}
	if tb.idx.Load() > DefaultLoadLimit {
		t.Errorf("Load %d still above limit after growth", tb.idx.Load())
	}
	if tb.idx.Tombstones() != 0 || tb.idx.Len() != int64(len(offsets)) {
		t.Errorf("After growth: len=%d tombstones=%d", tb.idx.Len(), tb.idx.Tombstones())
	}
	if tb.idx.Growths() != 1 {
		t.Errorf("Growths %d", tb.idx.Growths())
	}

	for k, off := range offsets {
		if got, ok := tb.idx.Get(k, tb.match(k)); !ok || got != off {
			t.Errorf("Key %s: got %d %v, expected %d", k, got, ok, off)
		}
	}

	// The collision count is the sum of displacements of every live entry
	var sum int64
	for _, e := range tb.idx.Entries() {
		sum += tb.idx.distance(tb.idx.bucketFor(e.Hash), e.Slot)
	}
	if sum != tb.idx.Collisions() {
		t.Errorf("Collisions %d, displacement sum %d", tb.idx.Collisions(), sum)
	}
}

func TestReopenRecounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testjournalIndex")
	opts := Options{Name: "test", Path: path, Size: 40 * SlotSize, Reuse: true, Logger: log.NewNop()}

	idx, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	tb := &table{idx: idx, keys: make(map[int64]string), next: 100}
	for i := 0; i < 20; i++ {
		tb.put(t, fmt.Sprintf("k%d", i))
	}
	tb.idx.Remove("k3", tb.match("k3"))
	count, tombs, coll := idx.Len(), idx.Tombstones(), idx.Collisions()
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	idx, err = Open(opts)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer idx.Close()
	tb.idx = idx

	if !idx.Loaded() {
		t.Error("Expected index to be loaded from file")
	}
	if idx.Len() != count || idx.Tombstones() != tombs || idx.Collisions() != coll {
		t.Errorf("Reopened len=%d tombstones=%d collisions=%d, expected %d %d %d",
			idx.Len(), idx.Tombstones(), idx.Collisions(), count, tombs, coll)
	}
	for off, k := range tb.keys {
		got, ok := idx.Get(k, tb.match(k))
		if k == "k3" {
			if ok {
				t.Error("Removed key found after reopen")
			}
			continue
		}
		if !ok || got != off {
			t.Errorf("Key %s: got %d %v, expected %d", k, got, ok, off)
		}
	}
}

func TestReopenWithoutStoredCounter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testjournalIndex")
	opts := Options{Name: "test", Path: path, Size: 40 * SlotSize, Reuse: true, Logger: log.NewNop()}

	idx, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	tb := &table{idx: idx, keys: make(map[int64]string), next: 100}
	keys := sameHome(idx, 3)
	for _, k := range keys {
		tb.put(t, k)
	}
	if _, ok := idx.Remove(keys[1], tb.match(keys[1])); !ok {
		t.Fatal("Failed to remove middle key")
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	// Clear slot 0 so the counter has to be derived from the live displacements, 0 and 2
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(make([]byte, SlotSize), 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	idx, err = Open(opts)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer idx.Close()
	if idx.Len() != 2 || idx.Tombstones() != 1 || idx.Collisions() != 2 {
		t.Errorf("Reopened len=%d tombstones=%d collisions=%d, expected 2 1 2",
			idx.Len(), idx.Tombstones(), idx.Collisions())
	}
}
