package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"clearml-url-proxy/internal/metrics"
)

// findRequestCounter returns the url_proxy_http_requests_total labels and
// value for the first series whose route label matches.
func findRequestCounter(t *testing.T, m *metrics.Metrics, route string) (map[string]string, float64, bool) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "url_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == route {
				return labels, metric.GetCounter().GetValue(), true
			}
		}
	}
	return nil, 0, false
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/3D%20Brainz/CT_BRAIN_x/model.pt", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	labels, v, ok := findRequestCounter(t, m, metrics.RouteProxy)
	if !ok {
		t.Fatal("expected url_proxy_http_requests_total with route=proxy")
	}
	if v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
	if labels["status_code"] != "200" || labels["method"] != "GET" {
		t.Errorf("labels = %v, want method=GET status_code=200", labels)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "url_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected url_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.Any("/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/missing/file", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	labels, _, ok := findRequestCounter(t, m, metrics.RouteProxy)
	if !ok {
		t.Fatal("expected url_proxy_http_requests_total with route=proxy")
	}
	if labels["status_code"] != "404" {
		t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/a/b", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	labels, _, ok := findRequestCounter(t, m, metrics.RouteProxy)
	if !ok {
		t.Fatal("expected url_proxy_http_requests_total with route=proxy")
	}
	if labels["method"] != "other" {
		t.Errorf("method = %q, want %q", labels["method"], "other")
	}
}

func TestMetricsMiddleware_MetricsRoute(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/internal/metrics"))
	e.GET("/internal/metrics", func(c echo.Context) error {
		return c.String(http.StatusOK, "")
	})

	req := httptest.NewRequest(http.MethodGet, "/internal/metrics", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if _, _, ok := findRequestCounter(t, m, metrics.RouteMetrics); !ok {
		t.Error("expected url_proxy_http_requests_total with route=metrics")
	}
}
