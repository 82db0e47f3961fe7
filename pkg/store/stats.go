package store

import (
	"strings"

	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/stats"
)

// Stats is a point-in-time view of a store
type Stats struct {
	// RecordCount counts successful puts, overwrites included. It is not
	// persisted: a reopened store starts it at the number of active records
	// its journal holds.
	RecordCount int64 `json:"record_count"`
	// EmptyCount is the number of free records waiting for reuse
	EmptyCount  int64  `json:"empty_count"`
	Name        string `json:"name"`
	Folder      string `json:"folder"`
	FileSize    int64  `json:"filesize"`
	Collisions  int64  `json:"collisions"`
	LoadPercent int    `json:"load_percent"`

	Mode        config.StorageMode `json:"mode"`
	LiveKeys    int64              `json:"live_keys"`
	Tombstones  int64              `json:"tombstones"`
	FreeBytes   int64              `json:"free_bytes"`
	JournalEnd  int64              `json:"journal_end"`
	IndexSize   int64              `json:"index_size"`
	IndexSlots  int64              `json:"index_slots"`
	IndexLoaded bool               `json:"index_loaded"`
}

var _ stats.Provider = (*Store)(nil)

// Stats returns the current counters of the store
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.journal.FreeList()
	return Stats{
		RecordCount: s.records,
		EmptyCount:  int64(free.Len()),
		Name:        s.cfg.Name,
		Folder:      s.cfg.Folder,
		FileSize:    s.journal.Capacity(),
		Collisions:  s.index.Collisions(),
		LoadPercent: s.index.Load(),
		Mode:        s.cfg.Mode,
		LiveKeys:    s.index.Len(),
		Tombstones:  s.index.Tombstones(),
		FreeBytes:   free.Bytes(),
		JournalEnd:  s.journal.End(),
		IndexSize:   s.index.Size(),
		IndexSlots:  s.index.Slots(),
		IndexLoaded: s.index.Loaded(),
	}
}

// Map returns the stats keyed by their JSON names
func (st Stats) Map() map[string]interface{} {
	return map[string]interface{}{
		"record_count": st.RecordCount,
		"empty_count":  st.EmptyCount,
		"name":         st.Name,
		"folder":       st.Folder,
		"filesize":     st.FileSize,
		"collisions":   st.Collisions,
		"load_percent": st.LoadPercent,
		"mode":         string(st.Mode),
		"live_keys":    st.LiveKeys,
		"tombstones":   st.Tombstones,
		"free_bytes":   st.FreeBytes,
		"journal_end":  st.JournalEnd,
		"index_size":   st.IndexSize,
		"index_slots":  st.IndexSlots,
		"index_loaded": st.IndexLoaded,
	}
}

// GetStats returns the store stats together with the operation counters
// under "operations"
func (s *Store) GetStats() map[string]interface{} {
	m := s.Stats().Map()
	m["operations"] = s.stats.GetStats()
	return m
}

// GetStatsFiltered returns the entries of GetStats whose key starts with prefix
func (s *Store) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for k, v := range s.GetStats() {
		if strings.HasPrefix(k, prefix) {
			filtered[k] = v
		}
	}
	return filtered
}

// Collector exposes the operation counters
func (s *Store) Collector() *stats.AtomicCollector {
	return s.stats
}
