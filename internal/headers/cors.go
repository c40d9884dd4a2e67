package headers

import (
	"net/http"
	"strings"

	"media-relay-go/internal/config"
)

const corsPrefix = "Access-Control-"

// CORSPolicy is the relay's own CORS answer; upstream CORS headers are
// always discarded in its favour.
type CORSPolicy struct {
	AllowOrigin      string // empty echoes the request Origin, or "*" when absent
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
}

// PolicyFromConfig builds a CORSPolicy from configuration.
func PolicyFromConfig(cfg *config.CORSConfig) CORSPolicy {
	return CORSPolicy{
		AllowOrigin:      cfg.AllowOrigin,
		AllowMethods:     cfg.AllowMethods,
		AllowHeaders:     cfg.AllowHeaders,
		AllowCredentials: cfg.Credentials(),
	}
}

// WithMethods returns a copy of p allowing only the given methods.
func (p CORSPolicy) WithMethods(methods ...string) CORSPolicy {
	p.AllowMethods = methods
	return p
}

// WithHeaders returns a copy of p allowing only the given request headers.
func (p CORSPolicy) WithHeaders(headers ...string) CORSPolicy {
	p.AllowHeaders = headers
	return p
}

// Origin resolves the Access-Control-Allow-Origin value for a request origin.
func (p CORSPolicy) Origin(requestOrigin string) string {
	if p.AllowOrigin != "" {
		return p.AllowOrigin
	}
	if requestOrigin != "" {
		return requestOrigin
	}
	return "*"
}

// Apply sets the policy's headers on h, overwriting existing values.
func (p CORSPolicy) Apply(h http.Header, requestOrigin string) {
	origin := p.Origin(requestOrigin)
	h.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		addVary(h, "Origin")
	}
	if p.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	} else {
		h.Del("Access-Control-Allow-Credentials")
	}
	if len(p.AllowMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowMethods, ", "))
	}
	if len(p.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowHeaders, ", "))
	}
}

// StripCORS removes every Access-Control-* header from h.
func StripCORS(h http.Header) {
	for key := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), corsPrefix) {
			delete(h, key)
		}
	}
}

func addVary(h http.Header, name string) {
	for _, v := range h.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(f), name) {
				return
			}
		}
	}
	h.Add("Vary", name)
}
