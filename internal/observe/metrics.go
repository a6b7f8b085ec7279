// Package observe provides OpenTelemetry metrics for the coaching server.
//
// Instruments are created from a [metric.MeterProvider] so tests can inspect
// them with a manual reader. [InitProvider] wires the Prometheus exporter used
// by the /metrics endpoint.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/ashureev/speakeasy"

// Metrics holds all metric instruments.
type Metrics struct {
	// ActiveConnections tracks authenticated WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveStreams tracks open recognition handles.
	ActiveStreams metric.Int64UpDownCounter

	// Messages counts inbound messages. Attribute: type.
	Messages metric.Int64Counter

	// RateLimited counts denied messages. Attribute: kind.
	RateLimited metric.Int64Counter

	// EngineOpenDuration tracks time until the engine confirms a stream start.
	EngineOpenDuration metric.Float64Histogram

	// EngineErrors counts engine failures. Attribute: kind.
	EngineErrors metric.Int64Counter

	// AttemptsClosed counts finished attempts. Attribute: result.
	AttemptsClosed metric.Int64Counter

	// WordsMatched counts live word confirmations.
	WordsMatched metric.Int64Counter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveConnections, err = m.Int64UpDownCounter("speakeasy.active_connections",
		metric.WithDescription("Number of authenticated WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("speakeasy.active_streams",
		metric.WithDescription("Number of open recognition streams."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("speakeasy.messages",
		metric.WithDescription("Inbound messages by type."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("speakeasy.rate_limited",
		metric.WithDescription("Messages denied by rate limiting, by window kind."),
	); err != nil {
		return nil, err
	}
	if met.EngineOpenDuration, err = m.Float64Histogram("speakeasy.engine.open.duration",
		metric.WithDescription("Latency until the recognition engine confirms a stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("speakeasy.engine.errors",
		metric.WithDescription("Recognition engine errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.AttemptsClosed, err = m.Int64Counter("speakeasy.attempts.closed",
		metric.WithDescription("Closed exercise attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.WordsMatched, err = m.Int64Counter("speakeasy.words.matched",
		metric.WithDescription("Expected words confirmed live."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

// RecordMessage counts one inbound message.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordRateLimited counts one denied message.
func (m *Metrics) RecordRateLimited(ctx context.Context, kind string) {
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordEngineError counts one engine failure.
func (m *Metrics) RecordEngineError(ctx context.Context, kind string) {
	m.EngineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAttempt counts one closed attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, result string) {
	m.AttemptsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// ObserveSessions registers a gauge that reports stored and active sessions
// on every collection.
func ObserveSessions(mp metric.MeterProvider, count func() (total, active int)) error {
	m := mp.Meter(meterName)
	_, err := m.Int64ObservableGauge("speakeasy.sessions",
		metric.WithDescription("Stored exercise sessions by state."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			total, active := count()
			o.Observe(int64(total), metric.WithAttributes(attribute.String("state", "all")))
			o.Observe(int64(active), metric.WithAttributes(attribute.String("state", "active")))
			return nil
		}),
	)
	return err
}
