package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// inboundHopByHop are stripped from client requests before any handler sees
// them. Host and Content-Length stay: the backend pass-through needs both.
var inboundHopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers and
// strips hop-by-hop headers (and any the client named in Connection) from
// incoming requests. WebSocket handshakes keep their Connection and Upgrade
// headers.
//
// Headers are set before the handler runs because relayed bodies are
// streamed and commit the response early.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !websocket.IsWebSocketUpgrade(c.Request()) {
				stripInbound(c.Request().Header)
			}

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "SAMEORIGIN")
			// Relayed media is loaded by players on other origins.
			h.Set("Cross-Origin-Resource-Policy", "cross-origin")

			return next(c)
		}
	}
}

func stripInbound(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" && !strings.EqualFold(name, "close") {
				h.Del(name)
			}
		}
	}
	for _, name := range inboundHopByHop {
		h.Del(name)
	}
}
