// Package observe provides application-wide observability primitives for
// liftd: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all liftd metrics.
const meterName = "github.com/interviewlift/liftd"

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FirstChunkLatency tracks the time from utterance dispatch to the first
	// content chunk of the winning provider.
	FirstChunkLatency metric.Float64Histogram

	// RaceWins counts decided races. Use with attribute:
	//   attribute.String("provider", ...)
	RaceWins metric.Int64Counter

	// RaceFailures counts races in which every provider failed.
	RaceFailures metric.Int64Counter

	// Utterances counts utterances dispatched to the providers.
	Utterances metric.Int64Counter

	// RecognizerRestarts counts speech session restarts. Use with attribute:
	//   attribute.String("reason", ...)
	RecognizerRestarts metric.Int64Counter

	// RecognizerFallbacks counts protocol demotions of the speech stream.
	RecognizerFallbacks metric.Int64Counter

	// CaptureRestarts counts relaunches of a crashed audio recorder.
	CaptureRestarts metric.Int64Counter

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedClients tracks the number of attached UI connections.
	ConnectedClients metric.Int64UpDownCounter

	// HTTPRequestDuration tracks control-server request processing time.
	// Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech-to-answer latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FirstChunkLatency, err = m.Float64Histogram("liftd.suggest.first_chunk.duration",
		metric.WithDescription("Time from utterance dispatch to the winner's first content chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.RaceWins, err = m.Int64Counter("liftd.race.wins",
		metric.WithDescription("Decided provider races by winning provider."),
	); err != nil {
		return nil, err
	}
	if met.RaceFailures, err = m.Int64Counter("liftd.race.failures",
		metric.WithDescription("Races in which every provider failed."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("liftd.utterances",
		metric.WithDescription("Utterances dispatched to the providers."),
	); err != nil {
		return nil, err
	}

	if met.RecognizerRestarts, err = m.Int64Counter("liftd.recognizer.restarts",
		metric.WithDescription("Speech session restarts by reason."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerFallbacks, err = m.Int64Counter("liftd.recognizer.fallbacks",
		metric.WithDescription("Protocol demotions of the speech stream."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRestarts, err = m.Int64Counter("liftd.capture.restarts",
		metric.WithDescription("Relaunches of a crashed audio recorder."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("liftd.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("liftd.connected_clients",
		metric.WithDescription("Number of attached UI connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("liftd.http.request.duration",
		metric.WithDescription("Control-server HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordRaceWin records a decided race and its first-chunk latency.
func (m *Metrics) RecordRaceWin(ctx context.Context, provider string, firstChunk time.Duration) {
	m.RaceWins.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)))
	m.FirstChunkLatency.Record(ctx, firstChunk.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordRecognizerRestart records a speech session restart.
func (m *Metrics) RecordRecognizerRestart(ctx context.Context, reason string) {
	m.RecognizerRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
