package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := testConfig(t, "http://localhost:43211")
	h := NewHealthHandler(cfg, client.NewHTTPFetcher(cfg, discardLogger(), nil), "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		fetcher    string
		curlBinary string
		want       map[string]any
	}{
		{
			name:    "http fetcher",
			fetcher: config.FetcherHTTP,
			want: map[string]any{
				"status":      "ok",
				"version":     "1.2.3",
				"backend_url": "http://localhost:43211",
				"fetcher":     "http",
			},
		},
		{
			name:       "curl fetcher with missing binary",
			fetcher:    config.FetcherCurl,
			curlBinary: "/nonexistent/curl",
			want: map[string]any{
				"status":         "degraded",
				"fetcher":        "curl",
				"curl_available": false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/relay/status", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			cfg := testConfig(t, "http://localhost:43211")
			cfg.Relay.Fetcher = tt.fetcher
			if tt.curlBinary != "" {
				cfg.Relay.CurlBinary = tt.curlBinary
			}
			h := NewHealthHandler(cfg, client.NewFetcher(cfg, discardLogger(), nil), "1.2.3")
			if err := h.Status(c); err != nil {
				t.Fatalf("Status() error = %v", err)
			}

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			for k, v := range tt.want {
				if body[k] != v {
					t.Errorf("body.%s = %v, want %v", k, body[k], v)
				}
			}
			if tt.fetcher == config.FetcherHTTP {
				if _, ok := body["curl_available"]; ok {
					t.Error("curl_available present for the http fetcher")
				}
			}
		})
	}
}
