package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"media-relay-go/internal/metrics"
)

// findMetric returns the first sample of family name whose labels include all of want.
func findMetric(t *testing.T, m *metrics.Metrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			return metric
		}
	}
	return nil
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/api/v1/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if rec := serve(e, http.MethodGet, "/api/v1/proxy?url=x"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	metric := findMetric(t, m, "media_relay_http_requests_total", map[string]string{"path_prefix": "/api/v1/proxy"})
	if metric == nil {
		t.Fatal("expected media_relay_http_requests_total with path_prefix=/api/v1/proxy")
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/healthz")

	metric := findMetric(t, m, "media_relay_http_request_duration_seconds", map[string]string{"path_prefix": "/healthz"})
	if metric == nil || metric.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected media_relay_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/video-proxy", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})

	serve(e, http.MethodGet, "/video-proxy")

	if findMetric(t, m, "media_relay_http_requests_total", map[string]string{"path_prefix": "/video-proxy", "status_code": "404"}) == nil {
		t.Error("expected media_relay_http_requests_total with path_prefix=/video-proxy and status_code=404")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/api/v1/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, "XYZZY", "/api/v1/proxy")

	if findMetric(t, m, "media_relay_http_requests_total", map[string]string{"path_prefix": "/api/v1/proxy", "method": "other"}) == nil {
		t.Error("expected media_relay_http_requests_total with method=other")
	}
}

func TestMetricsMiddleware_BackendFallthrough(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// No routes registered; request should yield 404.

	if rec := serve(e, http.MethodGet, "/settings/library"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	want := map[string]string{"path_prefix": "backend", "method": "GET", "status_code": "404"}
	if findMetric(t, m, "media_relay_http_requests_total", want) == nil {
		t.Errorf("expected media_relay_http_requests_total with %v", want)
	}
}

func TestMetricsMiddleware_ClientClosed(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/api/v1/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "partial")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/proxy", http.NoBody).WithContext(ctx)
	e.ServeHTTP(httptest.NewRecorder(), req)

	want := map[string]string{"path_prefix": "/api/v1/proxy", "status_code": "499"}
	if findMetric(t, m, "media_relay_http_requests_total", want) == nil {
		t.Errorf("expected media_relay_http_requests_total with %v", want)
	}
}
