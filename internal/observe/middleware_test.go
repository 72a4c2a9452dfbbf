package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// serveThrough runs one request against the middleware wrapping a handler
// that responds with status.
func serveThrough(t *testing.T, m *Metrics, method, path string, status int, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))

	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRecordsRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	withTestTracer(t)

	serveThrough(t, m, "GET", "/metrics", http.StatusOK, nil)

	met := findMetric(collect(t, reader), "fableloom.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("request duration is not a populated histogram")
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		}
	}
	if method != "GET" || path != "/metrics" {
		t.Errorf("attributes = method %q path %q", method, path)
	}
}

func TestMiddlewareSpansCarryStatus(t *testing.T) {
	m, _ := newTestMetrics(t)

	cases := []struct {
		name   string
		path   string
		status int
	}{
		{"healthy probe", "/healthz", http.StatusOK},
		{"unready probe", "/readyz", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exp := withTestTracer(t)
			rec := serveThrough(t, m, "GET", tc.path, tc.status, nil)
			if rec.Code != tc.status {
				t.Fatalf("response status = %d", rec.Code)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if want := "HTTP GET " + tc.path; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			found := false
			for _, a := range spans[0].Attributes {
				if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == int64(tc.status) {
					found = true
				}
			}
			if !found {
				t.Error("span missing response status attribute")
			}
		})
	}
}

func TestMiddlewareCorrelationHeader(t *testing.T) {
	m, _ := newTestMetrics(t)

	t.Run("generated per request", func(t *testing.T) {
		withTestTracer(t)
		rec := serveThrough(t, m, "GET", "/healthz", http.StatusOK, nil)
		cid := rec.Header().Get("X-Correlation-ID")
		if len(cid) != 32 {
			t.Errorf("X-Correlation-ID = %q, want 32 hex chars", cid)
		}
	})

	t.Run("adopted from traceparent", func(t *testing.T) {
		withTestTracer(t)
		const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"
		hdr := http.Header{}
		hdr.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")

		rec := serveThrough(t, m, "GET", "/metrics", http.StatusOK, hdr)
		if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
			t.Errorf("X-Correlation-ID = %q, want upstream trace %q", got, upstream)
		}
	})
}
