package handler

import (
	"net/http"
	"os/exec"
	"time"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// relayStatus is the body of GET /relay/status.
type relayStatus struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	BackendURL      string `json:"backend_url"`
	Fetcher         string `json:"fetcher"`
	CurlAvailable   *bool  `json:"curl_available,omitempty"`
	PlaylistRewrite bool   `json:"playlist_rewrite"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// HealthHandler serves liveness and relay status.
type HealthHandler struct {
	cfg     *config.Config
	fetcher client.Fetcher
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, f client.Fetcher, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, fetcher: f, version: v, started: time.Now()}
}

// Healthz answers liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the build, the backend being fronted and which fetcher the
// relay uses. With the curl fetcher it also checks the binary can be found;
// status is "degraded" when it cannot.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := relayStatus{
		Status:          "ok",
		Version:         string(h.version),
		BackendURL:      h.cfg.Backend.BaseURL,
		Fetcher:         h.fetcher.Name(),
		PlaylistRewrite: h.cfg.Relay.Playlist.Enabled,
		UptimeSeconds:   int64(time.Since(h.started).Seconds()),
	}
	if resp.Fetcher == config.FetcherCurl {
		_, err := exec.LookPath(h.cfg.Relay.CurlBinary)
		ok := err == nil
		resp.CurlAvailable = &ok
		if !ok {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}
