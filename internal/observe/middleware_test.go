package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer as the global provider for the
// duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// testAPI is a small mux shaped like the server's routes.
func testAPI(m *Metrics) (http.Handler, *string) {
	var seenCID string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(m)(mux), &seenCID
}

// durationPoints returns the data points of the HTTP duration histogram.
func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(collect(t, reader), "opendialogue.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("http duration metric is not a histogram")
	}
	return hist.DataPoints
}

func attrValue(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func TestMiddleware_RouteLabels(t *testing.T) {
	exp := useTestTracer(t)
	m, reader := newTestMetrics(t)
	h, _ := testAPI(m)

	requests := []struct {
		method, path string
		wantStatus   int
	}{
		{http.MethodPost, "/api/chat", http.StatusOK},
		{http.MethodGet, "/api/history?limit=5", http.StatusServiceUnavailable},
		{http.MethodGet, "/nope/123", http.StatusNotFound},
		{http.MethodGet, "/nope/456", http.StatusNotFound},
	}
	for _, rq := range requests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(rq.method, rq.path, nil))
		if rec.Code != rq.wantStatus {
			t.Errorf("%s %s status = %d, want %d", rq.method, rq.path, rec.Code, rq.wantStatus)
		}
	}

	got := map[string]uint64{}
	for _, dp := range durationPoints(t, reader) {
		got[attrValue(dp.Attributes, "route")+" "+attrValue(dp.Attributes, "status")] += dp.Count
	}
	want := map[string]uint64{
		"POST /api/chat 200":    1,
		"GET /api/history 503":  1,
		unmatchedRoute + " 404": 2,
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("count[%q] = %d, want %d (all: %v)", k, got[k], n, got)
		}
	}
	if len(got) != len(want) {
		t.Errorf("label sets = %v, want %v", got, want)
	}

	spans := exp.GetSpans()
	if len(spans) != len(requests) {
		t.Fatalf("spans = %d, want %d", len(spans), len(requests))
	}
	if spans[0].Name != "HTTP POST /api/chat" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP POST /api/chat")
	}
	var status int64
	for _, a := range spans[1].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status attribute = %d, want 503", status)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	h, seen := testAPI(m)

	t.Run("new trace", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
		if len(*seen) != 32 {
			t.Errorf("correlation id = %q, want 32 hex chars", *seen)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != *seen {
			t.Errorf("X-Correlation-ID = %q, want %q", got, *seen)
		}
		if rec.Header().Get("traceparent") == "" {
			t.Error("traceparent not injected into the response")
		}
	})

	t.Run("continued trace", func(t *testing.T) {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if *seen != traceID {
			t.Errorf("correlation id = %q, want %q", *seen, traceID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
		}
	})
}

func TestStatusRecorder_Hijack(t *testing.T) {
	t.Parallel()
	// httptest.ResponseRecorder cannot be hijacked; the recorder must say so
	// instead of panicking. Real upgrades are covered by the server's
	// WebSocket tests.
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := http.NewResponseController(rec).Hijack(); err == nil {
		t.Error("Hijack on a non-hijackable writer should fail")
	}
	if rec.statusCode != http.StatusOK {
		t.Errorf("status = %d after failed hijack, want 200", rec.statusCode)
	}
}
