package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// testMeter returns a Metrics instance backed by a manual reader so tests
// can collect recorded samples.
func testMeter(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
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

func TestMiddleware_CorrelationHeaderMatchesContext(t *testing.T) {
	recordSpans(t)
	m, _ := testMeter(t)

	var fromCtx string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/session-id", nil))

	if len(fromCtx) != 32 {
		t.Fatalf("correlation ID in context = %q, want 32 hex chars", fromCtx)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != fromCtx {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, fromCtx)
	}
}

func TestMiddleware_HonoursIncomingTraceparent(t *testing.T) {
	recordSpans(t)
	m, _ := testMeter(t)

	const upstreamTrace = "8d1f2a64c0ab43219f3e7d5b6a80cd12"

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("traceparent", "00-"+upstreamTrace+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != upstreamTrace {
		t.Errorf("X-Correlation-ID = %q, want upstream trace %q", got, upstreamTrace)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	exp := recordSpans(t)
	m, _ := testMeter(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/missing", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /missing" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /missing")
	}
	var status int64 = -1
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want %d", status, http.StatusNotFound)
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	recordSpans(t)
	m, reader := testMeter(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/upload-audio/", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxgate.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("request duration metric has no histogram samples")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{"method": "POST", "path": "/api/upload-audio/"}
	for _, kv := range dp.Attributes.ToSlice() {
		if expect, ok := want[string(kv.Key)]; ok && kv.Value.AsString() == expect {
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("sample missing attributes: %v", want)
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	recordSpans(t)
	buf := captureLogs(t)
	m, _ := testMeter(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if out := buf.String(); strings.Contains(out, "request completed") {
		t.Errorf("probe request logged at info level: %q", out)
	}

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/session-id", nil))
	out := buf.String()
	if !strings.Contains(out, "request completed") {
		t.Errorf("client request missing completion entry: %q", out)
	}
	if !strings.Contains(out, "status=200") {
		t.Errorf("completion entry missing status: %q", out)
	}
}

// TestMiddleware_WebSocketUpgrade proves the status recorder stays
// transparent to the handshake: the upgrade needs Flush and Hijack from the
// underlying writer.
func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	recordSpans(t)
	m, _ := testMeter(t)

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if err := conn.Write(r.Context(), typ, data); err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})

	ts := httptest.NewServer(Middleware(m)(echo))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte("marco")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(data) != "marco" {
		t.Errorf("echo = %q, want %q", data, "marco")
	}
}
