package stats

import "time"

// Provider is implemented by anything that reports a stats map: the
// collector itself and each store, which adds its journal and index view.
type Provider interface {
	GetStats() map[string]interface{}
	GetStatsFiltered(prefix string) map[string]interface{}
}

// OperationTracker counts store operations and the bytes they move
type OperationTracker interface {
	TrackOperation(op OperationType)
	TrackOperationWithLatency(op OperationType, latencyNs uint64)
	TrackError(errorType string)
	TrackBytes(isWrite bool, bytes uint64)
}

// SpaceTracker follows the journal and index buffers as they grow
type SpaceTracker interface {
	TrackCapacity(journalBytes, indexBytes uint64)
	TrackJournalGrowth()
	TrackIndexGrowth()
}

// RecoveryTracker times the scan that rebuilds a store on reopen.
// headerFallback is set when the journal end had to be found by scanning.
type RecoveryTracker interface {
	StartRecovery() time.Time
	FinishRecovery(startTime time.Time, scanned, active, free uint64, headerFallback bool)
}

// Collector is the full set a store records into
type Collector interface {
	Provider
	OperationTracker
	SpaceTracker
	RecoveryTracker
}

var _ Collector = (*AtomicCollector)(nil)
