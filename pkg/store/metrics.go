// ABOUTME: Store telemetry metrics for typed operations, latencies and index rebuilds
// ABOUTME: Provides a telemetry-backed implementation and a no-op implementation

package store

import (
	"context"
	"time"

	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// StoreMetrics defines the interface for store-level telemetry operations.
type StoreMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records the outcome and latency of a put, get or remove.
	RecordOperation(ctx context.Context, op string, t record.Type, duration time.Duration, status string)

	// RecordBytes records payload bytes moved by an operation.
	RecordBytes(ctx context.Context, op string, bytes int64)

	// RecordIndexRebuild records an index rebuilt from the journal on open.
	RecordIndexRebuild(ctx context.Context, duration time.Duration, entries int64)
}

type storeMetrics struct {
	tel   telemetry.Telemetry
	scope telemetry.Scope
}

// NewStoreMetrics creates a new store metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewStoreMetrics(tel telemetry.Telemetry, store string) StoreMetrics {
	if tel == nil {
		return &noopStoreMetrics{}
	}
	return &storeMetrics{tel: tel, scope: telemetry.Scope{Component: telemetry.ComponentStore, Store: store}}
}

// NewNoopStoreMetrics creates a no-op store metrics implementation for testing.
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func (m *storeMetrics) RecordOperation(ctx context.Context, op string, t record.Type, duration time.Duration, status string) {
	attrs := m.scope.Attrs(
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, status),
	)
	if t != record.TypeEmpty {
		attrs = append(attrs, attribute.String(telemetry.AttrValueType, t.String()))
	}

	m.tel.RecordHistogram(ctx, "kvjournal.store.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "kvjournal.store.operations.total", 1, attrs...)
}

func (m *storeMetrics) RecordBytes(ctx context.Context, op string, bytes int64) {
	telemetry.RecordBytes(ctx, m.tel, "kvjournal.store.bytes", bytes,
		m.scope.Attrs(attribute.String(telemetry.AttrOperationType, op))...)
}

func (m *storeMetrics) RecordIndexRebuild(ctx context.Context, duration time.Duration, entries int64) {
	m.tel.RecordHistogram(ctx, "kvjournal.store.index.rebuild.duration", duration.Seconds(), m.scope.Attrs()...)
	m.tel.RecordCounter(ctx, "kvjournal.store.index.rebuild.entries", entries, m.scope.Attrs()...)
}

// Close releases any resources held by the metrics implementation.
func (m *storeMetrics) Close() error {
	return nil
}

type noopStoreMetrics struct{}

func (n *noopStoreMetrics) RecordOperation(ctx context.Context, op string, t record.Type, duration time.Duration, status string) {
}
func (n *noopStoreMetrics) RecordBytes(ctx context.Context, op string, bytes int64) {}
func (n *noopStoreMetrics) RecordIndexRebuild(ctx context.Context, duration time.Duration, entries int64) {
}
func (n *noopStoreMetrics) Close() error { return nil }
