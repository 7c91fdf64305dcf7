package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config

	registry *prometheus.Registry
}

const instrumentationName = "report-scheduler/runs"

var (
	initOnce sync.Once

	runTracer trace.Tracer

	runDuration   metric.Float64Histogram
	runTotal      metric.Int64Counter
	pollDispatch  metric.Int64Counter
	staleRecovery metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "report-scheduler"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tracerProvider := newTracerProvider(ctx, cfg, res)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	meterProvider, err := newMeterProvider(res, registry)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		runTracer = tracerProvider.Tracer(instrumentationName)
		if err := initRunInstruments(meterProvider); err != nil {
			log.Warn().Err(err).Msg("Failed to create run instruments")
		}
	})

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return errors.Join(
				wrapShutdown("metric provider", meterProvider.Shutdown(ctx)),
				wrapShutdown("trace provider", tracerProvider.Shutdown(ctx)),
			)
		},
		Config:   cfg,
		registry: registry,
	}, nil
}

// newTracerProvider batches spans to OTLP when an endpoint is set. Without
// one, or if the exporter cannot be built, spans are created but not exported.
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint == "" {
		return sdktrace.NewTracerProvider(opts...)
	}

	clientOpts := []otlptracehttp.Option{getOTLPEndpointOption(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	if len(cfg.OTLPHeaders) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
	}

	exp, err := otlptracehttp.New(ctx, clientOpts...)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		return sdktrace.NewTracerProvider(opts...)
	}

	log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
	return sdktrace.NewTracerProvider(append(opts, sdktrace.WithBatcher(exp))...)
}

func newMeterProvider(res *resource.Resource, registry *prometheus.Registry) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	), nil
}

func wrapShutdown(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s shutdown: %w", name, err)
}

// RegisterDBStats exposes connection pool stats for db on the metrics endpoint
func (p *Providers) RegisterDBStats(db *sql.DB, name string) error {
	if p == nil || p.registry == nil || db == nil {
		return nil
	}
	if err := p.registry.Register(collectors.NewDBStatsCollector(db, name)); err != nil {
		return fmt.Errorf("register db stats collector: %w", err)
	}
	return nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !strings.HasPrefix(r.URL.Path, "/health")
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initRunInstruments(meterProvider metric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	runDuration, err = meter.Float64Histogram(
		"report.run.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to execute a report schedule run"),
	)
	if err != nil {
		return err
	}

	runTotal, err = meter.Int64Counter(
		"report.run.total",
		metric.WithDescription("Counts report runs by outcome and error code"),
	)
	if err != nil {
		return err
	}

	pollDispatch, err = meter.Int64Counter(
		"report.scheduler.poll.schedules",
		metric.WithDescription("Due schedules seen by the scheduler poll, by result"),
	)
	if err != nil {
		return err
	}

	staleRecovery, err = meter.Int64Counter(
		"report.scheduler.stale_recovered",
		metric.WithDescription("Schedules returned from a stuck processing state"),
	)
	return err
}

// Run outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// RunSpanInfo describes the attributes used when starting a run span.
type RunSpanInfo struct {
	ScheduleID string
	TenantID   string
	ReportKind string
	Trigger    string
}

// RunMetrics describes a finished run for metric recording.
type RunMetrics struct {
	ReportKind string
	Outcome    string
	ErrorCode  string
	Duration   time.Duration
}

// StartRunSpan starts a span covering one schedule run.
func StartRunSpan(ctx context.Context, info RunSpanInfo) (context.Context, trace.Span) {
	t := runTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("schedule.id", info.ScheduleID),
		attribute.String("schedule.tenant_id", info.TenantID),
		attribute.String("report.kind", info.ReportKind),
		attribute.String("run.trigger", info.Trigger),
	}

	return t.Start(ctx, "coordinator.run", trace.WithAttributes(attrs...))
}

// RecordRun emits run metrics when instrumentation is initialised.
func RecordRun(ctx context.Context, m RunMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("report.kind", m.ReportKind),
		attribute.String("run.outcome", m.Outcome),
		attribute.String("error.code", m.ErrorCode),
	)

	if runDuration != nil && m.Outcome != OutcomeSkipped {
		runDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}

	if runTotal != nil {
		runTotal.Add(ctx, 1, attrs)
	}
}

// RecordPoll counts dispatched and skipped schedules from one scheduler tick.
func RecordPoll(ctx context.Context, dispatched, skipped int) {
	if pollDispatch == nil {
		return
	}
	if dispatched > 0 {
		pollDispatch.Add(ctx, int64(dispatched), metric.WithAttributes(attribute.String("result", "dispatched")))
	}
	if skipped > 0 {
		pollDispatch.Add(ctx, int64(skipped), metric.WithAttributes(attribute.String("result", "skipped")))
	}
}

// RecordStaleRecovery counts schedules the watchdog returned to a retryable state.
func RecordStaleRecovery(ctx context.Context, n int) {
	if staleRecovery != nil && n > 0 {
		staleRecovery.Add(ctx, int64(n))
	}
}
