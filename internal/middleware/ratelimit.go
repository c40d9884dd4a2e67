package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"media-relay-go/internal/config"
)

// RateLimiter returns a per-IP rate limiting middleware. Rejections are
// answered with the relay's JSON error shape.
func RateLimiter(cfg *config.RateLimitConfig) echo.MiddlewareFunc {
	limit := rate.Limit(cfg.RequestsPerSecond)
	burst := max(1, int(cfg.RequestsPerSecond))
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:  limit,
		Burst: burst,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests",
			})
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "Unable to identify client",
			})
		},
	})
}
