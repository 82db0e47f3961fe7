// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup
// ABOUTME: Handles provider lifecycle, resource attributes, instrument caching and sampling configuration

package telemetry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/kvjournal"

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
}

// New creates a new TelemetryProvider with the given configuration.
// A disabled configuration yields a no-op implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res := sdkresource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exp, err := newExporters(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp.metrics,
			sdkmetric.WithInterval(cfg.BatchTimeout),
			sdkmetric.WithTimeout(cfg.ExportTimeout),
		)),
	)

	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, span := range exp.spans {
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(span,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          meterProvider.Meter(instrumentationName),
		tracer:         tracerProvider.Tracer(instrumentationName),
		histograms:     make(map[string]metric.Float64Histogram),
		counters:       make(map[string]metric.Int64Counter),
	}, nil
}

// RecordHistogram records a value on the named histogram, creating it on first use.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	hist, ok := p.histograms[name]
	if !ok {
		var err error
		hist, err = p.meter.Float64Histogram(name)
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = hist
	}
	p.mu.Unlock()

	hist.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds to the named counter, creating it on first use.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		var err error
		counter, err = p.meter.Int64Counter(name)
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the provider's tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and stops both providers.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.meterProvider.Shutdown(ctx),
		p.tracerProvider.Shutdown(ctx),
	)
}
