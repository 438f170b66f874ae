package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the Int64 sum data point carrying attr, or
// the first data point when attr is the zero KeyValue.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: data type %T, want Sum[int64]", name, m.Data)
	}
	for _, dp := range sum.DataPoints {
		if !attr.Valid() {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %v", name, attr)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestSessionLifecycleMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionOpened(ctx)
	m.RecordSessionOpened(ctx)
	m.RecordSessionClosed(ctx, "user_left")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "dcaud.sessions.opened", attribute.KeyValue{}); got != 2 {
		t.Errorf("opened = %d, want 2", got)
	}
	if got := sumWith(t, rm, "dcaud.sessions.active", attribute.KeyValue{}); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
	if got := sumWith(t, rm, "dcaud.sessions.closed", attribute.String("reason", "user_left")); got != 1 {
		t.Errorf("closed{user_left} = %d, want 1", got)
	}
}

func TestRecordScore(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordScore(ctx, 0.002, nil)
	m.RecordScore(ctx, 0.3, errors.New("boom"))

	rm := collect(t, reader)
	if got := sumWith(t, rm, "dcaud.vad.frames", attribute.KeyValue{}); got != 2 {
		t.Errorf("frames = %d, want 2", got)
	}
	if got := sumWith(t, rm, "dcaud.vad.errors", attribute.KeyValue{}); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}

	h := findMetric(rm, "dcaud.vad.duration")
	if h == nil {
		t.Fatal("histogram not found")
	}
	hist, ok := h.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type %T, want Histogram[float64]", h.Data)
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
		t.Errorf("histogram count wrong: %+v", hist.DataPoints)
	}
}

func TestRecordTransitionAndNotification(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, true)
	m.RecordTransition(ctx, false)
	m.RecordTransition(ctx, true)
	m.RecordNotification(ctx, "webhook", nil)
	m.RecordNotification(ctx, "webhook", errors.New("502"))

	rm := collect(t, reader)
	if got := sumWith(t, rm, "dcaud.speaking.transitions", attribute.Bool("speaking", true)); got != 2 {
		t.Errorf("transitions{true} = %d, want 2", got)
	}
	if got := sumWith(t, rm, "dcaud.speaking.transitions", attribute.Bool("speaking", false)); got != 1 {
		t.Errorf("transitions{false} = %d, want 1", got)
	}
	if got := sumWith(t, rm, "dcaud.notify.sent", attribute.String("sink", "webhook")); got != 1 {
		t.Errorf("sent = %d, want 1", got)
	}
	if got := sumWith(t, rm, "dcaud.notify.errors", attribute.String("sink", "webhook")); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
