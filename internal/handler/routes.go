package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Anything the
// relay does not own falls through to the backend.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, backend *BackendHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)
	e.GET("/auth/callback", AuthCallback)

	e.Match([]string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, "/api/v1/proxy", relay.Stream)
	e.Match([]string{http.MethodGet, http.MethodOptions}, "/video-proxy", relay.Video)

	e.Any(cfg.Backend.WSPath, backend.WebSocket)
	e.Any("/*", backend.Proxy)
}
