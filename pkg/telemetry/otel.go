package telemetry

import (
	"context"
	"fmt"
	"io"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Options selects where each signal goes. A nil writer disables that exporter.
type Options struct {
	ServiceName string
	TraceWriter io.Writer
	LogWriter   io.Writer
}

// Telemetry provides OTel setup
type Telemetry struct {
	tp       *trace.TracerProvider
	mp       *sdkmetric.MeterProvider
	lp       *sdklog.LoggerProvider
	registry *promclient.Registry
	meter    metric.Meter
}

// Setup initializes the OTel providers
func Setup(opts Options) (*Telemetry, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// 1. Trace Provider
	tpOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if opts.TraceWriter != nil {
		traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.TraceWriter))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		// Synchronous export: the process exits right after one cycle.
		tpOpts = append(tpOpts, trace.WithSyncer(traceExporter))
	}
	tp := trace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	// 2. Metric Provider, gathered into a private registry for textfile export
	registry := promclient.NewRegistry()
	metricExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(metricExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// 3. Log Provider
	lpOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if opts.LogWriter != nil {
		logExporter, err := stdoutlog.New(stdoutlog.WithWriter(opts.LogWriter))
		if err != nil {
			return nil, fmt.Errorf("failed to create log exporter: %w", err)
		}
		lpOpts = append(lpOpts, sdklog.WithProcessor(sdklog.NewSimpleProcessor(logExporter)))
	}
	lp := sdklog.NewLoggerProvider(lpOpts...)
	global.SetLoggerProvider(lp)

	return &Telemetry{
		tp:       tp,
		mp:       mp,
		lp:       lp,
		registry: registry,
		meter:    mp.Meter(opts.ServiceName),
	}, nil
}

// Meter returns the service meter
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// Registry exposes the Prometheus registry the OTel exporter writes into
func (t *Telemetry) Registry() *promclient.Registry {
	return t.registry
}

// WriteTextfile dumps every gathered metric in the node_exporter textfile format
func (t *Telemetry) WriteTextfile(path string) error {
	if err := promclient.WriteToTextfile(path, t.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider shutdown failed: %w", err))
	}
	if err := t.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown failed: %w", err))
	}
	if err := t.lp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("log provider shutdown failed: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}

// GetMeter returns a meter for the given name
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer for the given name
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
