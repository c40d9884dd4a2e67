package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
)

// HTTPFetcher relays requests with a pooled net/http client.
type HTTPFetcher struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewHTTPFetcher creates an HTTPFetcher with connection pooling.
// There is no overall client timeout: media bodies may stream for as long as
// bytes keep arriving, and stalls are caught by the per-request watchdog.
func NewHTTPFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPFetcher {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Relay.IdleConnections,
		MaxIdleConnsPerHost: cfg.Relay.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.Relay.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed media hosts
	}

	return &HTTPFetcher{
		httpClient: &http.Client{Transport: transport},
		timeout:    cfg.Relay.Timeout(),
		logger:     logger.With("component", "http_fetcher"),
		metrics:    m,
	}
}

// Name implements Fetcher.
func (f *HTTPFetcher) Name() string { return config.FetcherHTTP }

// Fetch sends the request upstream and returns once response headers arrive.
// The request context controls the lifetime of the upstream request: when it
// is cancelled (e.g. the client disconnects) the upstream request is aborted.
func (f *HTTPFetcher) Fetch(rr *model.RelayRequest) (*model.RelayResponse, error) {
	timeout := rr.Timeout
	if timeout == 0 {
		timeout = f.timeout
	}

	ctx, cancel := context.WithCancelCause(rr.Ctx)
	wd := newWatchdog(timeout, cancel)

	var body io.Reader
	if rr.Body != nil {
		body = rr.Body
	}
	req, err := http.NewRequestWithContext(ctx, rr.Method, rr.Target.String(), body)
	if err != nil {
		wd.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = rr.Header.Clone()
	if rr.Body != nil && rr.ContentLength > 0 {
		req.ContentLength = rr.ContentLength
	}

	f.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"timeout", timeout,
	)

	start := time.Now()
	resp, err := f.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(req.Method)

	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(f.Name(), method).Observe(duration)
	}

	if err != nil {
		wd.Stop()
		if cause := timeoutCause(ctx); cause != nil {
			err = cause
		}
		cancel(nil)
		f.recordError(err)
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(f.Name(), method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	wd.Kick()
	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &watchedBody{
			rc:     resp.Body,
			ctx:    ctx,
			wd:     wd,
			cancel: cancel,
		},
	}, nil
}

func (f *HTTPFetcher) recordError(err error) {
	if f.metrics == nil {
		return
	}
	f.metrics.UpstreamErrors.WithLabelValues(f.Name(), errorReason(err)).Inc()
}

// watchedBody kicks the watchdog on every successful read and reports a
// watchdog cancellation as ErrUpstreamTimeout.
type watchedBody struct {
	rc     io.ReadCloser
	ctx    context.Context
	wd     *watchdog
	cancel context.CancelCauseFunc
}

func (b *watchedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.wd.Kick()
	}
	if err != nil && err != io.EOF {
		if cause := timeoutCause(b.ctx); cause != nil {
			return n, cause
		}
	}
	return n, err
}

func (b *watchedBody) Close() error {
	b.wd.Stop()
	b.cancel(nil)
	return b.rc.Close()
}
