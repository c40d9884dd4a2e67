// Package model defines request-scoped types shared by the relay layers.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RelayRequest is one client request to be forwarded to a target URL.
type RelayRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.ReadCloser // nil for methods that carry no body
	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
	Timeout       time.Duration
}

// RelayResponse is the upstream response to be streamed back.
// Closing Body releases every upstream resource tied to the exchange.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// HeaderOverride is one caller-supplied header from the headers query parameter.
type HeaderOverride struct {
	Name  string
	Value string
}

// ClientRequest is an inbound relay request after query parsing.
type ClientRequest struct {
	Ctx     context.Context
	Method  string
	Target  *url.URL
	Header  http.Header
	Cookies []*http.Cookie
	// Overrides come from the headers query parameter; RawOverrides keeps its
	// original text so rewritten playlists can pass it on to segment requests.
	Overrides     []HeaderOverride
	RawOverrides  string
	Body          io.ReadCloser
	ContentLength int64
}
