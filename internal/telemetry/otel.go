package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`    // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`    // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("scrybe"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "scrybe"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("scrybe"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("scrybe"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes used across the ingestion-and-enrichment pipeline.
const (
	AttrSessionID     = "scrybe.session.id"
	AttrStage         = "scrybe.pipeline.stage"
	AttrStageOutcome  = "scrybe.pipeline.stage_outcome"
	AttrBotProb       = "scrybe.bot_probability"
	AttrFingerprint   = "scrybe.fingerprint.composite_hash"
	AttrClientAddr    = "scrybe.client.hashed_ip"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
)

// StartRequestSpan starts a span for an inbound ingest HTTP request.
func (p *Provider) StartRequestSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "gateway.ingest",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
	return ctx, span
}

// EndRequestSpan ends a request span with the final response code.
func (p *Provider) EndRequestSpan(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int(AttrResponseCode, statusCode))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartStageSpan starts a child span for one enrichment pipeline stage
// (fingerprint, geo, similarity, anomaly, cache, storage).
func (p *Provider) StartStageSpan(ctx context.Context, sessionID, stage string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrStage, stage),
		),
	)
	return ctx, span
}

// EndStageSpan ends a stage span, recording its outcome ("ok", "degraded",
// "dropped") and any error.
func (p *Provider) EndStageSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String(AttrStageOutcome, outcome))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordEnriched adds an event to the request span recording the final
// enrichment outcome for a session.
func RecordEnriched(ctx context.Context, sessionID, fingerprintHash string, botProbability float64) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("session.enriched",
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrFingerprint, fingerprintHash),
			attribute.Float64(AttrBotProb, botProbability),
		),
	)
}

// RecordDropped adds an event to the request span recording that a
// report was dropped by a critical pipeline stage.
func RecordDropped(ctx context.Context, sessionID, reason string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("session.dropped",
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String("scrybe.drop_reason", reason),
		),
	)
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "scrybe",
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("SCRYBE_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("SCRYBE_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("SCRYBE_TELEMETRY_EXPORTER")
	}
	if os.Getenv("SCRYBE_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("SCRYBE_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("scrybe-noop"),
	}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
