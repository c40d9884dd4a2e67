package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"media-relay-go/internal/config"
	"media-relay-go/internal/headers"
	"media-relay-go/internal/metrics"
)

// wsForwardHeaders are the handshake headers passed on to the backend socket.
var wsForwardHeaders = []string{"Cookie", "Authorization", "User-Agent", "Sec-Websocket-Protocol"}

// BackendHandler passes every route the relay does not own through to the
// media-library backend, and relays its WebSocket endpoint.
type BackendHandler struct {
	target   *url.URL
	cors     headers.CORSPolicy
	cookies  headers.CookieRules
	proxy    echo.HandlerFunc
	maxFrame int64
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	logger   *slog.Logger
	wsLogger *slog.Logger
	metrics  *metrics.Metrics
}

// NewBackendHandler creates a BackendHandler for backend.base_url.
// The metrics parameter is optional; pass nil to disable WebSocket metrics.
func NewBackendHandler(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*BackendHandler, error) {
	target, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}

	h := &BackendHandler{
		target:  target,
		cors:    headers.PolicyFromConfig(&cfg.CORS),
		cookies: headers.BackendCookieRules(&cfg.Cookies),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Backend.Timeout(),
		},
		maxFrame: cfg.Backend.WSMaxMessageBytes,
		logger:   logger.With("component", "backend_proxy"),
		wsLogger: logger.With("component", "websocket"),
		metrics:  m,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   cfg.Relay.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Backend.Timeout(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	mw := echomw.ProxyWithConfig(echomw.ProxyConfig{
		Balancer:       echomw.NewRoundRobinBalancer([]*echomw.ProxyTarget{{Name: "backend", URL: target}}),
		Transport:      transport,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.proxyError,
	})
	h.proxy = mw(func(c echo.Context) error { return echo.ErrNotFound })

	return h, nil
}

// Proxy forwards the request to the backend.
func (h *BackendHandler) Proxy(c echo.Context) error {
	return h.proxy(c)
}

func (h *BackendHandler) modifyResponse(resp *http.Response) error {
	headers.StripCORS(resp.Header)
	h.cookies.Rewrite(resp.Header)
	origin := ""
	if resp.Request != nil {
		origin = resp.Request.Header.Get("Origin")
	}
	h.cors.Apply(resp.Header, origin)
	return nil
}

func (h *BackendHandler) proxyError(c echo.Context, err error) error {
	cause := err
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && httpErr.Internal != nil {
		cause = httpErr.Internal
	}

	if errors.Is(cause, context.Canceled) {
		h.logger.Debug("client closed backend request", "path", c.Request().URL.Path)
		return nil
	}
	h.logger.Error("backend proxy error", "err", cause, "path", c.Request().URL.Path)
	if c.Response().Committed {
		return nil
	}
	h.cors.Apply(c.Response().Header(), c.Request().Header.Get("Origin"))
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "Proxy error",
		"message": cause.Error(),
	})
}

func (h *BackendHandler) checkOrigin(r *http.Request) bool {
	if h.cors.AllowOrigin == "" || h.cors.AllowOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.cors.AllowOrigin
}

// socketURL maps an inbound WebSocket request onto the backend.
func (h *BackendHandler) socketURL(r *http.Request) string {
	u := *h.target
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + r.URL.Path
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

// WebSocket relays a WebSocket session to the backend frame by frame. Plain
// HTTP requests to the same path are proxied like any other backend route.
func (h *BackendHandler) WebSocket(c echo.Context) error {
	req := c.Request()
	if !websocket.IsWebSocketUpgrade(req) {
		return h.Proxy(c)
	}

	dialHeader := make(http.Header)
	for _, key := range wsForwardHeaders {
		if vals := req.Header.Values(key); len(vals) > 0 {
			dialHeader[key] = vals
		}
	}

	backendURL := h.socketURL(req)
	backendConn, resp, err := h.dialer.DialContext(req.Context(), backendURL, dialHeader)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return h.proxyError(c, fmt.Errorf("dial backend websocket (status %d): %w", status, err))
	}

	backendConn.SetReadLimit(h.maxFrame)

	upgradeHeader := make(http.Header)
	if proto := resp.Header.Get("Sec-Websocket-Protocol"); proto != "" {
		upgradeHeader.Set("Sec-Websocket-Protocol", proto)
	}
	for _, cookie := range resp.Header.Values("Set-Cookie") {
		upgradeHeader.Add("Set-Cookie", h.cookies.RewriteSetCookie(cookie))
	}

	clientConn, err := h.upgrader.Upgrade(c.Response(), req, upgradeHeader)
	if err != nil {
		// The upgrader has already answered the client.
		_ = backendConn.Close()
		h.wsLogger.Warn("websocket upgrade failed", "err", err)
		return nil
	}

	clientConn.SetReadLimit(h.maxFrame)

	h.wsLogger.Debug("websocket session opened", "backend", backendURL)
	if h.metrics != nil {
		h.metrics.WebSocketSessions.Inc()
		defer h.metrics.WebSocketSessions.Dec()
	}

	errc := make(chan error, 2)
	go h.pump(clientConn, backendConn, "to_backend", errc)
	go h.pump(backendConn, clientConn, "to_client", errc)

	err = <-errc
	_ = clientConn.Close()
	_ = backendConn.Close()
	<-errc

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		h.wsLogger.Warn("websocket session ended", "err", err)
	} else {
		h.wsLogger.Debug("websocket session closed", "err", err)
	}
	return nil
}

// pump copies frames from src to dst until either side fails, passing a close
// frame on when src closes cleanly.
func (h *BackendHandler) pump(src, dst *websocket.Conn, direction string, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			errc <- err
			return
		}

		h.wsLogger.Debug("websocket frame", "direction", direction, "type", msgType, "bytes", len(data))
		if h.metrics != nil {
			h.metrics.WebSocketFrames.WithLabelValues(direction).Inc()
		}

		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}
