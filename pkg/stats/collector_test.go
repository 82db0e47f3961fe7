package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpPut)
	collector.TrackOperation(OpPut)
	collector.TrackOperation(OpGet)

	stats := collector.GetStats()

	if stats["put_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 put operations, got %v", stats["put_ops"])
	}
	if stats["get_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 get operation, got %v", stats["get_ops"])
	}
	if _, exists := stats["last_put_time"]; !exists {
		t.Errorf("Expected last_put_time to exist in stats")
	}

	if collector.OperationCount(OpPut) != 2 || collector.OperationCount(OpRemove) != 0 {
		t.Errorf("OperationCount mismatch: put=%d remove=%d",
			collector.OperationCount(OpPut), collector.OperationCount(OpRemove))
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpGet, 100)
	collector.TrackOperationWithLatency(OpGet, 200)
	collector.TrackOperationWithLatency(OpGet, 300)

	stats := collector.GetStats()

	latencyStats, ok := stats["get_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected get_latency to be a map, got %T", stats["get_latency"])
	}

	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
	if ops := stats["get_ops"].(uint64); ops != 3 {
		t.Errorf("Expected 3 get operations, got %v", ops)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 999

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				switch j % 3 {
				case 0:
					collector.TrackOperation(OpPut)
				case 1:
					collector.TrackOperation(OpGet)
				case 2:
					collector.TrackOperationWithLatency(OpRemove, uint64(j))
				}
			}
		}()
	}

	wg.Wait()

	stats := collector.GetStats()
	expectedOps := uint64(numGoroutines * opsPerGoroutine / 3)

	for _, key := range []string{"put_ops", "get_ops", "remove_ops"} {
		if ops := stats[key].(uint64); ops != expectedOps {
			t.Errorf("Expected %d for %s, got %v", expectedOps, key, ops)
		}
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpPut)
	collector.TrackOperation(OpGet)
	collector.TrackOperation(OpRemove)
	collector.TrackError("grow_failed")

	getStats := collector.GetStatsFiltered("get")
	if _, exists := getStats["get_ops"]; !exists {
		t.Errorf("Expected get_ops in filtered stats")
	}
	if _, exists := getStats["put_ops"]; exists {
		t.Errorf("Did not expect put_ops in get-filtered stats")
	}

	errorStats := collector.GetStatsFiltered("error")
	errs, ok := errorStats["errors"].(map[string]interface{})
	if !ok || errs["grow_failed"] != uint64(1) {
		t.Errorf("Expected grow_failed error count, got %v", errorStats["errors"])
	}
}

func TestCollector_Capacity(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(true, 1000)
	collector.TrackBytes(false, 500)
	collector.TrackCapacity(1<<20, 2<<20)
	collector.TrackJournalGrowth()
	collector.TrackIndexGrowth()
	collector.TrackIndexGrowth()

	stats := collector.GetStats()

	if v := stats["total_bytes_written"].(uint64); v != 1000 {
		t.Errorf("Expected 1000 bytes written, got %v", v)
	}
	if v := stats["total_bytes_read"].(uint64); v != 500 {
		t.Errorf("Expected 500 bytes read, got %v", v)
	}
	if v := stats["journal_size"].(uint64); v != 1<<20 {
		t.Errorf("Unexpected journal size %v", v)
	}
	if v := stats["index_size"].(uint64); v != 2<<20 {
		t.Errorf("Unexpected index size %v", v)
	}
	if v := stats["journal_growths"].(uint64); v != 1 {
		t.Errorf("Expected 1 journal growth, got %v", v)
	}
	if v := stats["index_growths"].(uint64); v != 2 {
		t.Errorf("Expected 2 index growths, got %v", v)
	}
}

func TestCollector_RecoveryStats(t *testing.T) {
	collector := NewAtomicCollector()

	startTime := collector.StartRecovery()
	time.Sleep(10 * time.Millisecond)
	collector.FinishRecovery(startTime, 12, 9, 3, true)

	stats := collector.GetStats()
	recoveryStats, ok := stats["recovery"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected recovery stats to be a map")
	}

	if v := recoveryStats["records_scanned"].(uint64); v != 12 {
		t.Errorf("Expected 12 records scanned, got %v", v)
	}
	if v := recoveryStats["active_records"].(uint64); v != 9 {
		t.Errorf("Expected 9 active records, got %v", v)
	}
	if v := recoveryStats["free_records"].(uint64); v != 3 {
		t.Errorf("Expected 3 free records, got %v", v)
	}
	if v := recoveryStats["header_fallbacks"].(uint64); v != 1 {
		t.Errorf("Expected 1 header fallback, got %v", v)
	}
	if _, exists := recoveryStats["recovery_duration_ms"]; !exists {
		t.Errorf("Expected recovery duration to be recorded")
	}
}

func TestLatencyTrackerConcurrentMinMax(t *testing.T) {
	var tracker LatencyTracker
	if _, ok := tracker.snapshot(); ok {
		t.Fatal("Empty tracker should not report")
	}

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(ns uint64) {
			defer wg.Done()
			tracker.observe(ns)
		}(uint64(i * 10))
	}
	wg.Wait()

	m, ok := tracker.snapshot()
	if !ok {
		t.Fatal("Expected a snapshot")
	}
	if m["count"] != uint64(50) || m["min_ns"] != uint64(10) || m["max_ns"] != uint64(500) || m["avg_ns"] != uint64(255) {
		t.Errorf("Unexpected latency snapshot %v", m)
	}
}

func TestRecoveryRestartClearsPrevious(t *testing.T) {
	collector := NewAtomicCollector()
	collector.FinishRecovery(collector.StartRecovery(), 5, 5, 0, true)

	start := collector.StartRecovery()
	if v := collector.GetStats()["recovery"].(map[string]interface{})["header_fallbacks"]; v != uint64(0) {
		t.Errorf("StartRecovery kept old fallbacks: %v", v)
	}
	collector.FinishRecovery(start, 2, 1, 1, false)

	rec := collector.GetStats()["recovery"].(map[string]interface{})
	if rec["records_scanned"] != uint64(2) || rec["header_fallbacks"] != uint64(0) {
		t.Errorf("Unexpected recovery stats %v", rec)
	}
}
