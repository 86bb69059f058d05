// Package observe provides the worker's observability plumbing:
// OpenTelemetry metric instruments with a Prometheus exporter bridge, a
// tracer helper, and a bridge that folds session metric events into the
// instruments.
package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/voice"
)

// meterName is the instrumentation scope for all cadenza metrics.
const meterName = "github.com/cadenza-ai/cadenza"

// ProviderConfig configures the OTel SDK providers.
type ProviderConfig struct {
	// ServiceName reported in telemetry. Default: "cadenza".
	ServiceName string

	// ServiceVersion reported in telemetry.
	ServiceVersion string

	// TraceExporter is optional; nil records spans without exporting.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider initializes the global OTel providers: a meter provider with
// a Prometheus exporter (scrapable via /metrics) and a tracer provider.
// Returns a shutdown function for main's defer.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cadenza"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if e := fn(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		return errors.Join(errs...)
	}
	return shutdown, nil
}

// Tracer returns the cadenza tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(meterName)
}

// latencyBuckets covers voice-pipeline latencies, in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the worker's OTel instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// Pipeline-stage latency histograms.
	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	LLMTTFT     metric.Float64Histogram
	TTSDuration metric.Float64Histogram
	TTSTTFB     metric.Float64Histogram
	EOUDelay    metric.Float64Histogram

	// Token and character counters, attributed by model label.
	PromptTokens     metric.Int64Counter
	CompletionTokens metric.Int64Counter
	TTSCharacters    metric.Int64Counter

	// Worker gauges.
	ActiveJobs     metric.Int64UpDownCounter
	WarmProcesses  metric.Int64UpDownCounter
	ActiveSessions metric.Int64UpDownCounter

	// Interruptions counts user barge-ins.
	Interruptions metric.Int64Counter
}

// NewMetrics creates all instruments on the given provider. Tests pass a
// private provider to avoid cross-test pollution.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	hist := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		if err != nil {
			return nil
		}
		var g metric.Int64UpDownCounter
		g, err = m.Int64UpDownCounter(name, metric.WithDescription(desc))
		return g
	}

	met.STTDuration = hist("cadenza.stt.duration", "Latency of speech-to-text requests.")
	met.LLMDuration = hist("cadenza.llm.duration", "Total LLM stream duration.")
	met.LLMTTFT = hist("cadenza.llm.ttft", "LLM time to first token.")
	met.TTSDuration = hist("cadenza.tts.duration", "Total TTS synthesis duration.")
	met.TTSTTFB = hist("cadenza.tts.ttfb", "TTS time to first audio byte.")
	met.EOUDelay = hist("cadenza.eou.delay", "Silence start to user-turn commit.")
	met.PromptTokens = counter("cadenza.llm.prompt_tokens", "Prompt tokens by model.")
	met.CompletionTokens = counter("cadenza.llm.completion_tokens", "Completion tokens by model.")
	met.TTSCharacters = counter("cadenza.tts.characters", "Characters synthesized by provider.")
	met.ActiveJobs = gauge("cadenza.worker.active_jobs", "Jobs currently running on this worker.")
	met.WarmProcesses = gauge("cadenza.worker.warm_processes", "Warmed child processes waiting for a job.")
	met.ActiveSessions = gauge("cadenza.active_sessions", "Live voice sessions.")
	met.Interruptions = counter("cadenza.session.interruptions", "User barge-ins that interrupted agent speech.")

	if err != nil {
		return nil, err
	}
	return met, nil
}

// BridgeSession subscribes to a session's events and folds its metric
// records into the instruments until the session closes.
func (m *Metrics) BridgeSession(ctx context.Context, events <-chan voice.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.MetricsCollected != nil {
				m.record(ctx, ev.MetricsCollected.Record)
			}
		}
	}
}

func (m *Metrics) record(ctx context.Context, rec metrics.Record) {
	switch r := rec.(type) {
	case metrics.STTMetrics:
		m.STTDuration.Record(ctx, r.Duration.Seconds(), withLabel(r.Label))
	case metrics.LLMMetrics:
		m.LLMDuration.Record(ctx, r.Duration.Seconds(), withLabel(r.Label))
		if r.TTFT > 0 {
			m.LLMTTFT.Record(ctx, r.TTFT.Seconds(), withLabel(r.Label))
		}
		m.PromptTokens.Add(ctx, int64(r.PromptTokens), withLabel(r.Label))
		m.CompletionTokens.Add(ctx, int64(r.CompletionTokens), withLabel(r.Label))
	case metrics.TTSMetrics:
		m.TTSDuration.Record(ctx, r.Duration.Seconds(), withLabel(r.Label))
		if r.TTFB > 0 {
			m.TTSTTFB.Record(ctx, r.TTFB.Seconds(), withLabel(r.Label))
		}
		m.TTSCharacters.Add(ctx, int64(r.CharactersCount), withLabel(r.Label))
	case metrics.EOUMetrics:
		m.EOUDelay.Record(ctx, r.EndOfUtteranceDelay.Seconds())
	case metrics.RealtimeModelMetrics:
		m.LLMDuration.Record(ctx, r.Duration.Seconds(), withLabel(r.Label))
		m.PromptTokens.Add(ctx, int64(r.InputTokens), withLabel(r.Label))
		m.CompletionTokens.Add(ctx, int64(r.OutputTokens), withLabel(r.Label))
	default:
		slog.Debug("unbridged metric record", "kind", rec.Kind())
	}
}

func withLabel(label string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("model", label))
}
