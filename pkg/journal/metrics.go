// ABOUTME: Journal telemetry metrics interface and implementation for record appends, growth and recovery
// ABOUTME: Provides instrumentation for space reuse, buffer growth, deactivation and reopen scans

package journal

import (
	"context"
	"time"

	"github.com/KevoDB/kvjournal/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// JournalMetrics defines the interface for journal telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type JournalMetrics interface {
	telemetry.ComponentMetrics

	// RecordWrite records a record written at a reused or appended position.
	RecordWrite(ctx context.Context, bytes int64, reused bool, split bool)

	// RecordDeactivate records a record being marked inactive.
	RecordDeactivate(ctx context.Context, bytes int64)

	// RecordGrowth records a capacity increase attempt.
	RecordGrowth(ctx context.Context, duration time.Duration, oldCapacity, newCapacity int64, success bool)

	// RecordRecovery records the scan performed when an existing journal is reopened.
	RecordRecovery(ctx context.Context, duration time.Duration, scanned int64, fallback bool)
}

type journalMetrics struct {
	tel   telemetry.Telemetry
	scope telemetry.Scope
}

// NewJournalMetrics creates a new journal metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewJournalMetrics(tel telemetry.Telemetry, store string) JournalMetrics {
	if tel == nil {
		return &noopJournalMetrics{}
	}
	return &journalMetrics{tel: tel, scope: telemetry.Scope{Component: telemetry.ComponentJournal, Store: store}}
}

// NewNoopJournalMetrics creates a no-op journal metrics implementation for testing.
func NewNoopJournalMetrics() JournalMetrics {
	return &noopJournalMetrics{}
}

func (m *journalMetrics) RecordWrite(ctx context.Context, bytes int64, reused bool, split bool) {
	m.tel.RecordCounter(ctx, "kvjournal.journal.write.bytes", bytes,
		m.scope.Attrs(attribute.Bool("reused", reused))...)

	m.tel.RecordCounter(ctx, "kvjournal.journal.operations.total", 1,
		m.scope.Attrs(
			attribute.String(telemetry.AttrOperationType, telemetry.OpTypePut),
			attribute.Bool("reused", reused),
			attribute.Bool("split", split),
		)...,
	)
}

func (m *journalMetrics) RecordDeactivate(ctx context.Context, bytes int64) {
	m.tel.RecordCounter(ctx, "kvjournal.journal.operations.total", 1,
		m.scope.Attrs(attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRemove))...)

	m.tel.RecordCounter(ctx, "kvjournal.journal.freed.bytes", bytes, m.scope.Attrs()...)
}

func (m *journalMetrics) RecordGrowth(ctx context.Context, duration time.Duration, oldCapacity, newCapacity int64, success bool) {
	status := telemetry.Outcome(success, telemetry.StatusError)

	m.tel.RecordHistogram(ctx, "kvjournal.journal.grow.duration", duration.Seconds(),
		m.scope.Attrs(attribute.String(telemetry.AttrStatus, status))...)

	m.tel.RecordCounter(ctx, "kvjournal.journal.grow.total", 1,
		m.scope.Attrs(attribute.String(telemetry.AttrStatus, status))...)

	if success {
		m.tel.RecordHistogram(ctx, "kvjournal.journal.capacity", float64(newCapacity),
			m.scope.Attrs(attribute.Int64("previous", oldCapacity))...)
	}
}

func (m *journalMetrics) RecordRecovery(ctx context.Context, duration time.Duration, scanned int64, fallback bool) {
	m.tel.RecordHistogram(ctx, "kvjournal.journal.recovery.duration", duration.Seconds(),
		m.scope.Attrs(attribute.Bool("fallback", fallback))...)

	m.tel.RecordCounter(ctx, "kvjournal.journal.recovery.records", scanned, m.scope.Attrs()...)

	if fallback {
		m.tel.RecordCounter(ctx, "kvjournal.journal.recovery.fallback", 1,
			m.scope.Attrs(attribute.String(telemetry.AttrReason, "end_mismatch"))...)
	}
}

// Close releases any resources held by the metrics implementation.
func (m *journalMetrics) Close() error {
	return nil
}

type noopJournalMetrics struct{}

func (n *noopJournalMetrics) RecordWrite(ctx context.Context, bytes int64, reused bool, split bool) {}
func (n *noopJournalMetrics) RecordDeactivate(ctx context.Context, bytes int64)                     {}
func (n *noopJournalMetrics) RecordGrowth(ctx context.Context, duration time.Duration, oldCapacity, newCapacity int64, success bool) {
}
func (n *noopJournalMetrics) RecordRecovery(ctx context.Context, duration time.Duration, scanned int64, fallback bool) {
}
func (n *noopJournalMetrics) Close() error { return nil }
