// Package observe provides application-wide observability primitives for
// dcaud: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping via [InitProvider]. [DefaultMetrics] is a
// process-wide instance; tests should build their own with [NewMetrics] and
// a ManualReader to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dcaud metrics.
const meterName = "github.com/dcaud/dcaud"

// Metrics holds every metric instrument of the application. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Detection sessions ---

	// SessionsOpened counts detection sessions opened.
	SessionsOpened metric.Int64Counter

	// SessionsClosed counts finished sessions. Attribute: reason.
	SessionsClosed metric.Int64Counter

	// ActiveSessions tracks live detection sessions.
	ActiveSessions metric.Int64UpDownCounter

	// IgnoredStarts counts duplicate speaking-start signals that were dropped.
	IgnoredStarts metric.Int64Counter

	// --- Audio and scoring ---

	// ChunksReceived counts PCM chunks delivered to sessions. Attribute:
	// silent ("true"/"false").
	ChunksReceived metric.Int64Counter

	// FramesScored counts frames passed to the scorer.
	FramesScored metric.Int64Counter

	// ScoreDuration tracks scorer latency per frame.
	ScoreDuration metric.Float64Histogram

	// ScoringErrors counts failed or timed out scorer calls.
	ScoringErrors metric.Int64Counter

	// Transitions counts reported speaking changes. Attribute: speaking.
	Transitions metric.Int64Counter

	// --- Notifications ---

	// NotificationsSent counts delivered notifications. Attribute: sink.
	NotificationsSent metric.Int64Counter

	// NotificationErrors counts failed deliveries. Attribute: sink.
	NotificationErrors metric.Int64Counter

	// NotificationsDropped counts updates dropped because the queue was full.
	NotificationsDropped metric.Int64Counter

	// --- Transport ---

	// VoiceConnections tracks joined voice channels.
	VoiceConnections metric.Int64UpDownCounter

	// DroppedChunks counts chunks dropped because a subscriber lagged.
	DroppedChunks metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// scoreBuckets are histogram boundaries (seconds) for per-frame scoring.
var scoreBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SessionsOpened, "dcaud.sessions.opened", "Detection sessions opened."},
		{&met.SessionsClosed, "dcaud.sessions.closed", "Detection sessions closed by reason."},
		{&met.IgnoredStarts, "dcaud.sessions.ignored_starts", "Duplicate speaking-start signals dropped."},
		{&met.ChunksReceived, "dcaud.audio.chunks", "PCM chunks delivered to sessions."},
		{&met.FramesScored, "dcaud.vad.frames", "Frames passed to the scorer."},
		{&met.ScoringErrors, "dcaud.vad.errors", "Scorer calls that failed or timed out."},
		{&met.Transitions, "dcaud.speaking.transitions", "Reported speaking transitions."},
		{&met.NotificationsSent, "dcaud.notify.sent", "Notifications delivered by sink."},
		{&met.NotificationErrors, "dcaud.notify.errors", "Notification delivery failures by sink."},
		{&met.NotificationsDropped, "dcaud.notify.dropped", "Notifications dropped on a full queue."},
		{&met.DroppedChunks, "dcaud.audio.dropped_chunks", "Chunks dropped for lagging subscribers."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("dcaud.sessions.active",
		metric.WithDescription("Live detection sessions."),
	); err != nil {
		return nil, err
	}
	if met.VoiceConnections, err = m.Int64UpDownCounter("dcaud.voice.connections",
		metric.WithDescription("Joined voice channels."),
	); err != nil {
		return nil, err
	}

	if met.ScoreDuration, err = m.Float64Histogram("dcaud.vad.duration",
		metric.WithDescription("Scorer latency per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("dcaud.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], created on first use
// from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the exporting provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionClosed counts a finished session and decrements the active
// gauge.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveSessions.Add(ctx, -1)
}

// RecordSessionOpened counts a new session and increments the active gauge.
func (m *Metrics) RecordSessionOpened(ctx context.Context) {
	m.SessionsOpened.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordChunk counts a received chunk.
func (m *Metrics) RecordChunk(ctx context.Context, silent bool) {
	m.ChunksReceived.Add(ctx, 1, metric.WithAttributes(attribute.Bool("silent", silent)))
}

// RecordScore records one scorer call of duration seconds.
func (m *Metrics) RecordScore(ctx context.Context, seconds float64, err error) {
	m.FramesScored.Add(ctx, 1)
	m.ScoreDuration.Record(ctx, seconds)
	if err != nil {
		m.ScoringErrors.Add(ctx, 1)
	}
}

// RecordTransition counts a reported speaking change.
func (m *Metrics) RecordTransition(ctx context.Context, speaking bool) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("speaking", speaking)))
}

// RecordNotification counts a delivery attempt on sink.
func (m *Metrics) RecordNotification(ctx context.Context, sink string, err error) {
	attrs := metric.WithAttributes(attribute.String("sink", sink))
	if err != nil {
		m.NotificationErrors.Add(ctx, 1, attrs)
		return
	}
	m.NotificationsSent.Add(ctx, 1, attrs)
}
