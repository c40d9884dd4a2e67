// Package client provides the upstream fetchers used by the relay: a pooled
// HTTP client and a curl subprocess runner.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
)

// ErrUpstreamTimeout is returned when the upstream does not answer, or stops
// sending body bytes, within the request timeout.
var ErrUpstreamTimeout = errors.New("upstream timed out")

// Fetcher opens one upstream exchange. The caller must close the returned body;
// closing it, or cancelling the request context, tears the exchange down.
type Fetcher interface {
	Name() string
	Fetch(req *model.RelayRequest) (*model.RelayResponse, error)
}

// SubprocessError reports a curl process that failed before producing output.
// Code is -1 when the process could not be started.
type SubprocessError struct {
	Code   int
	Stderr string
	Err    error
}

func (e *SubprocessError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("subprocess start: %v", e.Err)
	}
	return fmt.Sprintf("subprocess exited with code %d: %s", e.Code, e.Stderr)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// NewFetcher returns the fetcher selected by relay.fetcher.
// The metrics parameter is optional; pass nil to disable upstream metrics.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) Fetcher {
	if cfg.Relay.Fetcher == config.FetcherCurl {
		return NewCurlFetcher(cfg, logger, m)
	}
	return NewHTTPFetcher(cfg, logger, m)
}

// watchdog cancels an exchange with ErrUpstreamTimeout when it is not kicked
// within its timeout. It bounds both the wait for the first response and
// stalls between body reads.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	stopped bool
}

func newWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { cancel(ErrUpstreamTimeout) })
	}
	return w
}

// Kick restarts the countdown.
func (w *watchdog) Kick() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer.Reset(w.timeout)
	}
}

// Stop disarms the watchdog for good.
func (w *watchdog) Stop() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// timeoutCause returns ErrUpstreamTimeout when ctx was cancelled by a watchdog.
func timeoutCause(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrUpstreamTimeout) {
		return ErrUpstreamTimeout
	}
	return nil
}

// errorReason maps an upstream error to a bounded metrics label.
func errorReason(err error) string {
	var dnsErr *net.DNSError
	var subErr *SubprocessError
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &subErr):
		return "subprocess"
	case errors.As(err, &dnsErr):
		return "dns"
	default:
		return "connection"
	}
}
