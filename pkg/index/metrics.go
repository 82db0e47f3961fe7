// ABOUTME: Hash index telemetry metrics for probe lengths, lookups and table growth
// ABOUTME: Provides a telemetry-backed implementation and a no-op implementation

package index

import (
	"context"
	"time"

	"github.com/KevoDB/kvjournal/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// IndexMetrics defines the interface for hash index telemetry operations.
type IndexMetrics interface {
	telemetry.ComponentMetrics

	// RecordPut records the probe steps of a put, insert or update.
	RecordPut(ctx context.Context, displacement int64)

	// RecordLookup records the probe steps of a lookup and whether it hit.
	RecordLookup(ctx context.Context, steps int64, found bool)

	// RecordGrowth records a table growth and rehash.
	RecordGrowth(ctx context.Context, duration time.Duration, oldSlots, newSlots int64, success bool)

	// RecordCompaction records an in-place rehash and the tombstones it cleared.
	RecordCompaction(ctx context.Context, duration time.Duration, purged int64)
}

type indexMetrics struct {
	tel   telemetry.Telemetry
	scope telemetry.Scope
}

// NewIndexMetrics creates a new index metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewIndexMetrics(tel telemetry.Telemetry, store string) IndexMetrics {
	if tel == nil {
		return &noopIndexMetrics{}
	}
	return &indexMetrics{tel: tel, scope: telemetry.Scope{Component: telemetry.ComponentIndex, Store: store}}
}

// NewNoopIndexMetrics creates a no-op index metrics implementation for testing.
func NewNoopIndexMetrics() IndexMetrics {
	return &noopIndexMetrics{}
}

func (m *indexMetrics) RecordPut(ctx context.Context, displacement int64) {
	m.tel.RecordHistogram(ctx, "kvjournal.index.probe.displacement", float64(displacement), m.scope.Attrs()...)

	if displacement > 0 {
		m.tel.RecordCounter(ctx, "kvjournal.index.collisions", displacement, m.scope.Attrs()...)
	}
}

func (m *indexMetrics) RecordLookup(ctx context.Context, steps int64, found bool) {
	status := telemetry.Outcome(found, telemetry.StatusNotFound)

	m.tel.RecordHistogram(ctx, "kvjournal.index.lookup.steps", float64(steps),
		m.scope.Attrs(attribute.String(telemetry.AttrStatus, status))...)
}

func (m *indexMetrics) RecordGrowth(ctx context.Context, duration time.Duration, oldSlots, newSlots int64, success bool) {
	status := telemetry.Outcome(success, telemetry.StatusError)

	m.tel.RecordHistogram(ctx, "kvjournal.index.grow.duration", duration.Seconds(),
		m.scope.Attrs(attribute.String(telemetry.AttrStatus, status))...)

	m.tel.RecordCounter(ctx, "kvjournal.index.grow.total", 1,
		m.scope.Attrs(
			attribute.String(telemetry.AttrStatus, status),
			attribute.Int64("old_slots", oldSlots),
			attribute.Int64("new_slots", newSlots),
		)...,
	)
}

func (m *indexMetrics) RecordCompaction(ctx context.Context, duration time.Duration, purged int64) {
	m.tel.RecordHistogram(ctx, "kvjournal.index.compact.duration", duration.Seconds(), m.scope.Attrs()...)
	m.tel.RecordCounter(ctx, "kvjournal.index.tombstones.purged", purged, m.scope.Attrs()...)
}

// Close releases any resources held by the metrics implementation.
func (m *indexMetrics) Close() error {
	return nil
}

type noopIndexMetrics struct{}

func (n *noopIndexMetrics) RecordPut(ctx context.Context, displacement int64)         {}
func (n *noopIndexMetrics) RecordLookup(ctx context.Context, steps int64, found bool) {}
func (n *noopIndexMetrics) RecordGrowth(ctx context.Context, duration time.Duration, oldSlots, newSlots int64, success bool) {
}
func (n *noopIndexMetrics) RecordCompaction(ctx context.Context, duration time.Duration, purged int64) {
}
func (n *noopIndexMetrics) Close() error { return nil }
