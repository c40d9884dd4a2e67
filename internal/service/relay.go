// Package service implements the core relay forwarding logic.
package service

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
	"media-relay-go/internal/headers"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
	"media-relay-go/internal/playlist"
)

var (
	// ErrMissingURL is returned when the url query parameter is absent.
	ErrMissingURL = errors.New("missing url parameter")
	// ErrInvalidURL is returned when the url query parameter is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url parameter")
)

const mpegURLType = "application/vnd.apple.mpegurl"

// Profile selects how much of the client request reaches the upstream and
// which upstream response headers come back.
type Profile struct {
	Name  string
	Route string

	// ForwardBrowserHeaders forwards every end-to-end request header.
	// Otherwise only ForwardRequestHeaders are copied.
	ForwardBrowserHeaders bool
	ForwardRequestHeaders []string
	AllowOverrides        bool

	// ResponseHeaders restricts the upstream response headers passed back.
	// A nil map passes all of them.
	ResponseHeaders  map[string]bool
	RewritePlaylists bool
}

// StreamProfile is the general purpose relay behind /api/v1/proxy.
var StreamProfile = Profile{
	Name:                  "stream",
	Route:                 "/api/v1/proxy",
	ForwardBrowserHeaders: true,
	AllowOverrides:        true,
	RewritePlaylists:      true,
}

// VideoProfile is the restricted media relay behind /video-proxy.
var VideoProfile = Profile{
	Name:                  "video",
	Route:                 "/video-proxy",
	ForwardRequestHeaders: []string{"Range"},
	ResponseHeaders: map[string]bool{
		"Content-Type":   true,
		"Content-Length": true,
		"Accept-Ranges":  true,
		"Content-Range":  true,
	},
}

// bodyMethods are the methods whose request body is streamed upstream.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// RelayService forwards client requests to arbitrary targets.
type RelayService struct {
	fetcher   client.Fetcher
	spooler   *playlist.Spooler
	playlists config.PlaylistConfig
	rules     []config.HostRule
	cookies   headers.CookieRules
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRelayService creates a RelayService.
// The metrics parameter is optional; pass nil to disable relay metrics.
func NewRelayService(f client.Fetcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		fetcher:   f,
		spooler:   playlist.NewSpooler(&cfg.Relay.Playlist, logger),
		playlists: cfg.Relay.Playlist,
		rules:     cfg.Relay.HostRules,
		cookies:   headers.RelayCookieRules(&cfg.Cookies),
		logger:    logger.With("component", "relay_service"),
		metrics:   m,
	}
}

// FetcherName reports which upstream fetcher is in use.
func (s *RelayService) FetcherName() string {
	return s.fetcher.Name()
}

// ParseTarget validates the url query parameter.
func ParseTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return u, nil
}

// Relay forwards cr to its target under profile p and returns the response to
// stream back. The caller must close the response body.
func (s *RelayService) Relay(p Profile, cr *model.ClientRequest) (*model.RelayResponse, error) {
	header := s.buildHeader(p, cr)
	timeout := s.applyHostRules(cr.Target.Hostname(), header)

	rr := &model.RelayRequest{
		Ctx:           cr.Ctx,
		Method:        cr.Method,
		Target:        cr.Target,
		Header:        header,
		ContentLength: -1,
		Timeout:       timeout,
	}
	if bodyMethods[cr.Method] && cr.Body != nil && cr.Body != http.NoBody {
		rr.Body = cr.Body
		rr.ContentLength = cr.ContentLength
	}

	s.logger.Debug("relaying request",
		"profile", p.Name,
		"method", cr.Method,
		"host", cr.Target.Host,
		"fetcher", s.fetcher.Name(),
	)

	resp, err := s.fetcher.Fetch(rr)
	if err != nil {
		return nil, fmt.Errorf("relay to %s: %w", cr.Target.Host, err)
	}

	if err := s.processResponse(p, cr, resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// buildHeader assembles the upstream request headers: browser headers (or the
// profile's allow-list), the client's cookies, then caller overrides.
func (s *RelayService) buildHeader(p Profile, cr *model.ClientRequest) http.Header {
	var h http.Header
	if p.ForwardBrowserHeaders {
		h = cr.Header.Clone()
		if h == nil {
			h = make(http.Header)
		}
		headers.StripHopByHop(h)
		h.Del("Cookie")
		if cookie := headers.CookieHeader(cr.Cookies); cookie != "" {
			h.Set("Cookie", cookie)
		}
	} else {
		h = make(http.Header)
		for _, key := range p.ForwardRequestHeaders {
			if vals := cr.Header.Values(key); len(vals) > 0 {
				h[http.CanonicalHeaderKey(key)] = vals
			}
		}
	}

	if p.AllowOverrides {
		headers.ApplyOverrides(h, cr.Overrides)
	}
	return h
}

// applyHostRules applies every rule matching host, in config order, and
// returns the resulting timeout (zero means the fetcher default).
func (s *RelayService) applyHostRules(host string, h http.Header) time.Duration {
	var timeout time.Duration
	for i := range s.rules {
		rule := &s.rules[i]
		if !hostMatches(host, rule.Host) {
			continue
		}
		for name, value := range rule.SetHeaders {
			h.Set(name, value)
		}
		for _, name := range rule.RemoveHeaders {
			h.Del(name)
		}
		if rule.TimeoutSeconds > 0 {
			timeout = time.Duration(rule.TimeoutSeconds) * time.Second
		}
	}
	return timeout
}

// hostMatches reports whether host equals pattern or is a subdomain of it.
func hostMatches(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(strings.TrimPrefix(pattern, "."))
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// processResponse rewrites upstream response headers in place and, for
// playlists, swaps the body for the rewritten one.
func (s *RelayService) processResponse(p Profile, cr *model.ClientRequest, resp *model.RelayResponse) error {
	headers.StripResponseHopByHop(resp.Header)
	headers.StripCORS(resp.Header)
	s.cookies.Rewrite(resp.Header)

	if p.ResponseHeaders != nil {
		for key := range resp.Header {
			if !p.ResponseHeaders[http.CanonicalHeaderKey(key)] {
				resp.Header.Del(key)
			}
		}
	}
	if resp.Header.Get("Content-Range") != "" {
		resp.Header.Set("Accept-Ranges", "bytes")
	}

	if !p.RewritePlaylists || !s.playlists.Enabled {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !playlist.IsPlaylist(cr.Target, resp.Header.Get("Content-Type")) {
		return nil
	}

	var wrap func(string) string
	if s.playlists.ProxySegments {
		wrap = segmentWrapper(p.Route, cr.RawOverrides)
	}

	src, err := s.decodedBody(resp)
	if err != nil {
		return fmt.Errorf("rewrite playlist: %w", err)
	}
	if src == nil {
		s.logger.Warn("playlist passed through unrewritten",
			"host", cr.Target.Host,
			"content_encoding", resp.Header.Get("Content-Encoding"),
		)
		return nil
	}
	defer func() { _ = src.Close() }()

	body, err := s.spooler.Spool(src, cr.Target, wrap)
	if err != nil {
		return fmt.Errorf("rewrite playlist: %w", err)
	}
	_ = resp.Body.Close()
	resp.Body = body

	resp.Header.Set("Content-Type", mpegURLType)
	for _, key := range []string{"Content-Length", "Content-Encoding", "Content-Range", "Accept-Ranges", "Etag"} {
		resp.Header.Del(key)
	}
	if s.metrics != nil {
		s.metrics.PlaylistRewrites.Inc()
	}
	return nil
}

// decodedBody returns the playlist body with its content coding removed. It
// returns nil when the coding is one the rewriter cannot read, in which case
// the body must be relayed as is.
func (s *RelayService) decodedBody(resp *model.RelayResponse) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode gzip: %w", err)
		}
		return zr, nil
	default:
		return nil, nil
	}
}

// segmentWrapper routes playlist URIs back through the relay, carrying the
// caller's header overrides along.
func segmentWrapper(route, rawOverrides string) func(string) string {
	return func(abs string) string {
		q := url.Values{"url": {abs}}
		if rawOverrides != "" {
			q.Set("headers", rawOverrides)
		}
		return route + "?" + q.Encode()
	}
}
