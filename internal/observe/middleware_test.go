package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates metrics and tracing infrastructure for middleware tests.
// It swaps the global tracer provider, so callers must not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func serve(h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var capturedCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
	}))
	rec := serve(handler, http.MethodGet, "/status", nil)

	if len(capturedCID) != 32 {
		t.Errorf("correlation ID = %q, want a 32 character trace ID", capturedCID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != capturedCID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, capturedCID)
	}
}

func TestMiddleware_CreatesSpanWithStatus(t *testing.T) {
	m, _, exp := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := serve(handler, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /nope" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader, _ := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	serve(handler, http.MethodPost, "/status", nil)

	met := findMetric(collect(t, reader), "dcaud.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("data = %T with %d points", met.Data, len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	for _, want := range []attribute.KeyValue{
		attribute.String("method", "POST"),
		attribute.String("path", "/status"),
		attribute.Int("status", http.StatusAccepted),
	} {
		if v, ok := dp.Attributes.Value(want.Key); !ok || v != want.Value {
			t.Errorf("attribute %s = %v, want %v", want.Key, v.Emit(), want.Value.Emit())
		}
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var capturedCID string
	handler := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
	}))
	rec := serve(handler, http.MethodGet, "/status", map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})

	if capturedCID != traceID {
		t.Errorf("correlation ID = %q, want %q", capturedCID, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, traceID)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, traceID) {
		t.Errorf("response traceparent = %q, want it to carry the trace ID", tp)
	}
}

func TestMiddleware_ProbeRequestsLogAtDebug(t *testing.T) {
	m, _, _ := testSetup(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	handler := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	serve(handler, http.MethodGet, "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("probe request logged at info: %s", buf.String())
	}

	serve(handler, http.MethodGet, "/status", nil)
	if !strings.Contains(buf.String(), "path=/status") {
		t.Errorf("status request not logged, got: %s", buf.String())
	}
}

func TestMiddleware_AllowsWebsocketUpgrade(t *testing.T) {
	m, _, _ := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Close(websocket.StatusNormalClosure, "done")
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial through middleware: %v", err)
	}
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("read err = %v, want normal closure", err)
	}
}
