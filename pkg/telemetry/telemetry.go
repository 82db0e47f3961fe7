// ABOUTME: Telemetry abstraction used by the journal, index and store to emit metrics and spans
// ABOUTME: Defines attribute naming, per-store scopes and the no-op implementation used when disabled

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is what components record into. Nothing outside this package
// touches the OpenTelemetry SDK directly.
type Telemetry interface {
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending exports.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is embedded by the journal, index and store metrics interfaces.
type ComponentMetrics interface {
	Close() error
}

// Attribute keys
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStore         = "store"
	AttrStatus        = "status"
	AttrReason        = "reason"
	AttrValueType     = "value.type"
)

const (
	OpTypePut    = "put"
	OpTypeGet    = "get"
	OpTypeRemove = "remove"

	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"

	ComponentJournal = "journal"
	ComponentIndex   = "index"
	ComponentStore   = "store"
)

// Scope tags everything a component records with its component and store name.
type Scope struct {
	Component string
	Store     string
}

// Attrs returns the scope attributes followed by extra.
func (s Scope) Attrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	attrs = append(attrs,
		attribute.String(AttrComponent, s.Component),
		attribute.String(AttrStore, s.Store),
	)
	return append(attrs, extra...)
}

// Outcome maps a boolean result onto a status attribute value. failed is
// the status used when ok is false.
func Outcome(ok bool, failed string) string {
	if ok {
		return StatusSuccess
	}
	return failed
}

// RecordDuration records the seconds elapsed since start.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes adds a byte count to a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// NoopTelemetry discards everything. Stores opened without telemetry use it.
type NoopTelemetry struct{}

func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan hands back the span already in ctx, if any.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}
