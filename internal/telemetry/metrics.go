// Package telemetry holds the OpenTelemetry instruments the relay records
// through. Tests build Metrics from a noop provider so nothing leaks between
// cases.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-relay"

// Metrics holds every instrument the pipeline records.
type Metrics struct {
	// StageDuration tracks one backend attempt. Attributes: stage, outcome.
	StageDuration metric.Float64Histogram

	// StageOutcomes counts worker decisions. Attributes: stage, outcome.
	StageOutcomes metric.Int64Counter

	// BridgeLatency measures time from the upstream stage timestamp to relay.
	// Attributes: bridge.
	BridgeLatency metric.Float64Histogram

	// BridgeRelays counts relayed envelopes. Attributes: bridge, status.
	BridgeRelays metric.Int64Counter

	// DeadLetters counts entries written to the dead-letter stream.
	// Attributes: boundary, reason.
	DeadLetters metric.Int64Counter

	// PlaybackReleases counts chunks leaving the buffer. Attributes: kind
	// (released, no_speech, gap_filled), reason.
	PlaybackReleases metric.Int64Counter

	// WindowDepth samples the reorder window size on every arrival.
	WindowDepth metric.Int64Histogram

	// ActiveSessions tracks live playback sessions.
	ActiveSessions metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

var depthBuckets = []float64{0, 1, 2, 4, 8, 16, 32, 64, 128}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("loqa.stage.duration",
		metric.WithDescription("Latency of one stage backend attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageOutcomes, err = m.Int64Counter("loqa.stage.outcomes",
		metric.WithDescription("Stage worker decisions by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BridgeLatency, err = m.Float64Histogram("loqa.bridge.latency",
		metric.WithDescription("Time between stage completion and relay into the next stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BridgeRelays, err = m.Int64Counter("loqa.bridge.relays",
		metric.WithDescription("Envelopes handled by bridges by status."),
	); err != nil {
		return nil, err
	}
	if met.DeadLetters, err = m.Int64Counter("loqa.deadletters",
		metric.WithDescription("Dead-lettered chunks by boundary and reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackReleases, err = m.Int64Counter("loqa.playback.releases",
		metric.WithDescription("Chunks released to the playback sink by kind."),
	); err != nil {
		return nil, err
	}
	if met.WindowDepth, err = m.Int64Histogram("loqa.playback.window_depth",
		metric.WithDescription("Out-of-order chunks held per session."),
		metric.WithExplicitBucketBoundaries(depthBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("loqa.playback.active_sessions",
		metric.WithDescription("Number of live playback sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Tracer returns the relay's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
}
