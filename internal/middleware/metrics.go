package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/metrics"
)

// statusClientClosed labels requests whose client hung up before the relay
// finished, the way nginx reports them.
const statusClientClosed = 499

// MetricsMiddleware records request count, latency and concurrency. Latency
// covers the whole streamed body, so long media transfers land in the tail
// buckets.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(responseStatus(c, err)),
				metrics.NormalizePath(c.Request().URL.Path),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// responseStatus is the status the client saw, or will see once echo's error
// handler renders err.
func responseStatus(c echo.Context, err error) int {
	if c.Request().Context().Err() != nil {
		return statusClientClosed
	}
	var he *echo.HTTPError
	if err != nil && !c.Response().Committed && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
