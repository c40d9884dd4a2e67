package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
	"media-relay-go/internal/headers"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
	"media-relay-go/internal/service"
)

// RelayHandler serves the stream and video relay routes.
type RelayHandler struct {
	service    *service.RelayService
	streamCORS headers.CORSPolicy
	videoCORS  headers.CORSPolicy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler.
// The metrics parameter is optional; pass nil to disable byte counting.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	policy := headers.PolicyFromConfig(&cfg.CORS)
	return &RelayHandler{
		service:    svc,
		streamCORS: policy,
		videoCORS: policy.
			WithMethods(http.MethodGet, http.MethodOptions).
			WithHeaders("Range", "X-Requested-With", "Content-Type", "Authorization"),
		logger:  logger.With("component", "relay_handler"),
		metrics: m,
	}
}

// Stream relays any method to the target in the url query parameter,
// applying header overrides from the headers query parameter.
func (h *RelayHandler) Stream(c echo.Context) error {
	return h.relay(c, service.StreamProfile, h.streamCORS)
}

// Video relays GET requests for media, forwarding only Range upstream.
func (h *RelayHandler) Video(c echo.Context) error {
	return h.relay(c, service.VideoProfile, h.videoCORS)
}

func (h *RelayHandler) relay(c echo.Context, p service.Profile, cors headers.CORSPolicy) error {
	req := c.Request()
	origin := req.Header.Get("Origin")
	cors.Apply(c.Response().Header(), origin)

	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusOK)
	}

	target, err := service.ParseTarget(c.QueryParam("url"))
	if err != nil {
		return h.mapError(c, p, err)
	}

	cr := &model.ClientRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        target,
		Header:        req.Header,
		Cookies:       req.Cookies(),
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}
	if raw := c.QueryParam("headers"); raw != "" && p.AllowOverrides {
		overrides, err := headers.ParseOverrides(raw)
		if err != nil {
			h.logger.Warn("ignoring malformed headers parameter", "err", err, "host", target.Host)
		} else {
			cr.Overrides = overrides
			cr.RawOverrides = raw
		}
	}

	resp, err := h.service.Relay(p, cr)
	if err != nil {
		return h.mapError(c, p, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	mergeUpstreamHeader(dst, resp.Header)
	cors.Apply(dst, origin)

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failure here can only truncate the body.
	n, err := io.Copy(c.Response(), resp.Body)
	if h.metrics != nil {
		h.metrics.RelayedBytes.WithLabelValues(p.Name).Add(float64(n))
	}
	if err != nil {
		if req.Context().Err() != nil {
			h.logger.Debug("client went away mid-stream", "host", target.Host, "bytes", n)
		} else {
			h.logger.Error("streaming response body", "err", err, "host", target.Host, "bytes", n)
		}
	}
	return nil
}

// mapError writes the JSON error for err unless the response is already
// committed or the client is gone.
func (h *RelayHandler) mapError(c echo.Context, p service.Profile, err error) error {
	req := c.Request()

	if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
		h.logger.Debug("client disconnected before upstream answered", "path", req.URL.Path)
		return nil
	}
	if c.Response().Committed {
		h.logger.Error("relay error after response committed", "err", err, "path", req.URL.Path)
		return nil
	}

	switch {
	case errors.Is(err, service.ErrMissingURL):
		msg := "Missing URL parameter"
		if p.Name == service.VideoProfile.Name {
			msg = "Missing video URL"
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
	case errors.Is(err, service.ErrInvalidURL):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "Invalid URL parameter",
			"message": err.Error(),
		})
	}

	h.logger.Error("relay error", "profile", p.Name, "err", err, "path", req.URL.Path)

	if errors.Is(err, client.ErrUpstreamTimeout) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error":   "Gateway Timeout",
			"message": "Request timed out",
		})
	}

	if p.Name == service.VideoProfile.Name {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Error streaming video"})
	}

	var serr *client.SubprocessError
	if errors.As(err, &serr) {
		if serr.Code < 0 {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "Error streaming content",
				"message": serr.Err.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"error":  "Failed to stream content",
			"code":   serr.Code,
			"stderr": serr.Stderr,
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "Proxy error",
		"message": err.Error(),
	})
}

// mergeUpstreamHeader copies upstream response headers into dst. Headers the
// relay already set (security headers, request id) are kept as they are;
// Vary is the one header both sides contribute to.
func mergeUpstreamHeader(dst, upstream http.Header) {
	for key, vals := range upstream {
		if _, set := dst[key]; set && key != echo.HeaderVary {
			continue
		}
		dst[key] = append(dst[key], vals...)
	}
}
