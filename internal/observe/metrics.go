// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics for the voice pipeline plus the SDK wiring that
// exposes them through a Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/karasumi/aizuchi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// AgentDuration tracks agent reply latency.
	AgentDuration metric.Float64Histogram

	// OutputDuration tracks chatbox delivery latency.
	OutputDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts completed voice captures and text submissions.
	// Use with attribute: attribute.String("source", "voice"|"text")
	Utterances metric.Int64Counter

	// StaleDrops counts async completions discarded because their epoch no
	// longer matched. Dropping is intentional, but a high rate suggests the
	// session is being stopped mid-pipeline very often.
	StaleDrops metric.Int64Counter

	// PipelineErrors counts failed pipeline stages. Use with attribute:
	//   attribute.String("stage", "capture"|"transcription"|"agent"|"output")
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks whether a monitoring session is live (0 or 1,
	// but counted so overlapping restarts stay accurate).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("aizuchi.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = m.Float64Histogram("aizuchi.agent.duration",
		metric.WithDescription("Latency of agent replies."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OutputDuration, err = m.Float64Histogram("aizuchi.output.duration",
		metric.WithDescription("Latency of chatbox delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("aizuchi.utterances",
		metric.WithDescription("Total pipeline runs by input source."),
	); err != nil {
		return nil, err
	}
	if met.StaleDrops, err = m.Int64Counter("aizuchi.stale_drops",
		metric.WithDescription("Async completions discarded due to epoch mismatch."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("aizuchi.pipeline.errors",
		metric.WithDescription("Failed pipeline stages by stage name."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aizuchi.active_sessions",
		metric.WithDescription("Number of live monitoring sessions."),
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

// RecordUtterance records one pipeline run for the given input source.
func (m *Metrics) RecordUtterance(ctx context.Context, source string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordStaleDrop records one discarded stale completion.
func (m *Metrics) RecordStaleDrop(ctx context.Context) {
	m.StaleDrops.Add(ctx, 1)
}

// RecordPipelineError records a failed pipeline stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
