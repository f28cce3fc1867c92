// Package observe provides application-wide observability primitives for
// Vocero: OpenTelemetry metrics, per-turn tracing, structured logging, and
// HTTP middleware for the ops listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the health listener's /metrics endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vocero metrics.
const meterName = "github.com/vocero-ai/vocero"

// Port names used as metric attributes and by the Record* helpers.
const (
	PortSTT = "stt"
	PortLLM = "llm"
	PortTTS = "tts"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Per-stage latency histograms (milliseconds) ---

	// STTTTFB tracks time from end-of-speech to the first final transcript.
	STTTTFB metric.Float64Histogram

	// LLMTTFB tracks time from prompt dispatch to the first completion token.
	LLMTTFB metric.Float64Histogram

	// TTSTTFB tracks time from sentence dispatch to the first audio chunk.
	TTSTTFB metric.Float64Histogram

	// STTTotal tracks total transcription time for a turn.
	STTTotal metric.Float64Histogram

	// LLMTotal tracks total completion time for a turn.
	LLMTotal metric.Float64Histogram

	// TTSTotal tracks total synthesis time for a turn.
	TTSTotal metric.Float64Histogram

	// TurnTotal tracks end-of-user-speech to first outbound audio per turn.
	TurnTotal metric.Float64Histogram

	// InterruptLatency tracks barge-in detection to playout stop.
	InterruptLatency metric.Float64Histogram

	// ToolDuration tracks tool execution latency per tool name.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.Bool("interrupted", ...)
	Turns metric.Int64Counter

	// Errors counts classified errors. Use with attributes:
	//   attribute.String("port", ...), attribute.String("kind", ...)
	Errors metric.Int64Counter

	// FallbackActivations counts failovers away from a primary provider.
	// Use with attributes:
	//   attribute.String("port", ...), attribute.String("from", ...), attribute.String("to", ...)
	FallbackActivations metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// QueueDepth tracks buffered frames per pipeline hop. Use with attribute:
	//   attribute.String("hop", ...)
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops-listener request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBucketsMs defines histogram bucket boundaries (in milliseconds)
// around the 500 ms perceived-latency target.
var latencyBucketsMs = []float64{
	10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	msHistogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("ms"),
			metric.WithExplicitBucketBoundaries(latencyBucketsMs...),
		)
	}

	// Histograms.
	if met.STTTTFB, err = msHistogram("vocero.stt.ttfb_ms",
		"Time from end of user speech to first final transcript."); err != nil {
		return nil, err
	}
	if met.LLMTTFB, err = msHistogram("vocero.llm.ttfb_ms",
		"Time from prompt dispatch to first completion token."); err != nil {
		return nil, err
	}
	if met.TTSTTFB, err = msHistogram("vocero.tts.ttfb_ms",
		"Time from sentence dispatch to first synthesized audio chunk."); err != nil {
		return nil, err
	}
	if met.STTTotal, err = msHistogram("vocero.stt.total_ms",
		"Total transcription time per turn."); err != nil {
		return nil, err
	}
	if met.LLMTotal, err = msHistogram("vocero.llm.total_ms",
		"Total completion time per turn."); err != nil {
		return nil, err
	}
	if met.TTSTotal, err = msHistogram("vocero.tts.total_ms",
		"Total synthesis time per turn."); err != nil {
		return nil, err
	}
	if met.TurnTotal, err = msHistogram("vocero.turn.total_ms",
		"End of user speech to first outbound audio per turn."); err != nil {
		return nil, err
	}
	if met.InterruptLatency, err = msHistogram("vocero.interrupt.latency_ms",
		"Barge-in detection to playout stop."); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = msHistogram("vocero.tool.duration_ms",
		"Tool execution latency by tool name."); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("vocero.turns",
		metric.WithDescription("Completed turns by interruption outcome."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("vocero.errors",
		metric.WithDescription("Classified errors by port and kind."),
	); err != nil {
		return nil, err
	}
	if met.FallbackActivations, err = m.Int64Counter("vocero.fallback.activations",
		metric.WithDescription("Failovers away from a primary provider by port."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("vocero.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("vocero.queue_depth",
		metric.WithDescription("Buffered frames per pipeline hop."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocero.http.request.duration",
		metric.WithDescription("Ops-listener request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTTFB records a time-to-first-byte sample for the given port. Unknown
// ports are ignored.
func (m *Metrics) RecordTTFB(ctx context.Context, port string, ms float64) {
	switch port {
	case PortSTT:
		m.STTTTFB.Record(ctx, ms)
	case PortLLM:
		m.LLMTTFB.Record(ctx, ms)
	case PortTTS:
		m.TTSTTFB.Record(ctx, ms)
	}
}

// RecordStageTotal records a total-stage-duration sample for the given port.
// Unknown ports are ignored.
func (m *Metrics) RecordStageTotal(ctx context.Context, port string, ms float64) {
	switch port {
	case PortSTT:
		m.STTTotal.Record(ctx, ms)
	case PortLLM:
		m.LLMTotal.Record(ctx, ms)
	case PortTTS:
		m.TTSTotal.Record(ctx, ms)
	}
}

// RecordTurn records a completed turn with its interruption outcome.
func (m *Metrics) RecordTurn(ctx context.Context, interrupted bool) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("interrupted", interrupted)),
	)
}

// RecordError records a classified error with the standard attribute set.
func (m *Metrics) RecordError(ctx context.Context, port, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("port", port),
			attribute.String("kind", kind),
		),
	)
}

// RecordFallback records a failover from one provider to the next on a port.
func (m *Metrics) RecordFallback(ctx context.Context, port, from, to string) {
	m.FallbackActivations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("port", port),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordToolDuration records a tool execution latency sample.
func (m *Metrics) RecordToolDuration(ctx context.Context, tool string, ms float64) {
	m.ToolDuration.Record(ctx, ms,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// AddQueueDepth adjusts the buffered-frame gauge for a pipeline hop. Pass a
// positive delta on enqueue and a negative delta on dequeue.
func (m *Metrics) AddQueueDepth(ctx context.Context, hop string, delta int64) {
	m.QueueDepth.Add(ctx, delta,
		metric.WithAttributes(attribute.String("hop", hop)),
	)
}
