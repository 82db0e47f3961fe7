package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// exporters are the destinations a provider flushes into
type exporters struct {
	metrics sdkmetric.Exporter
	spans   []sdktrace.SpanExporter
}

// newExporters builds the configured exporters. Spans fall back to stdout
// when no exporter is named.
func newExporters(ctx context.Context, cfg Config) (*exporters, error) {
	metricOpts := []stdoutmetric.Option{stdoutmetric.WithPrettyPrint()}
	traceOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Output != nil {
		metricOpts = append(metricOpts, stdoutmetric.WithWriter(cfg.Output))
		traceOpts = append(traceOpts, stdouttrace.WithWriter(cfg.Output))
	}

	metrics, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("stdout metric exporter: %w", err)
	}
	exp := &exporters{metrics: metrics}

	names := cfg.Exporters
	if len(names) == 0 {
		names = []string{ExporterStdout}
	}
	for _, name := range names {
		var span sdktrace.SpanExporter
		switch name {
		case ExporterStdout:
			span, err = stdouttrace.New(traceOpts...)
		case ExporterOTLP:
			opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
			if cfg.OTLPInsecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
			span, err = otlptracegrpc.New(ctx, opts...)
		default:
			err = fmt.Errorf("%w: unknown exporter %q", ErrInvalidTelemetryConfig, name)
		}
		if err != nil {
			exp.shutdown(ctx)
			return nil, fmt.Errorf("%s trace exporter: %w", name, err)
		}
		exp.spans = append(exp.spans, span)
	}
	return exp, nil
}

// shutdown releases exporters that never made it into a provider
func (e *exporters) shutdown(ctx context.Context) {
	e.metrics.Shutdown(ctx)
	for _, s := range e.spans {
		s.Shutdown(ctx)
	}
}
