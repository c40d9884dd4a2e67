// Package headers implements the header transformations applied by the relay:
// request header forwarding, caller overrides, CORS and Set-Cookie rewriting.
package headers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"media-relay-go/internal/model"
)

// hopByHopHeaders are never forwarded upstream. Accept-Encoding is dropped
// so the upstream client negotiates compression itself.
var hopByHopHeaders = []string{
	"Host",
	"Connection",
	"Content-Length",
	"Accept-Encoding",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers, including any named in Connection.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// StripResponseHopByHop removes hop-by-hop headers from an upstream response.
// Content-Length is kept so clients can size media.
func StripResponseHopByHop(h http.Header) {
	length := h.Values("Content-Length")
	StripHopByHop(h)
	if len(length) > 0 {
		h["Content-Length"] = length
	}
}

// ParseOverrides decodes the headers query parameter, a flat JSON object of
// header names to values. Document order is preserved so that a later key
// wins over an earlier one differing only in case. Numbers and booleans are
// accepted and stringified; nested values are rejected.
func ParseOverrides(raw string) ([]model.HeaderOverride, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("decode headers: expected a JSON object")
	}

	var out []model.HeaderOverride
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, errors.New("decode headers: expected object key")
		}

		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		var value string
		switch v := tok.(type) {
		case string:
			value = v
		case json.Number:
			value = v.String()
		case bool:
			value = strconv.FormatBool(v)
		case nil:
			value = ""
		default:
			return nil, fmt.Errorf("decode headers: value for %q must be a scalar", name)
		}

		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, model.HeaderOverride{Name: name, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decode headers: trailing data after object")
	}
	return out, nil
}

// ApplyOverrides sets each override on h, replacing any existing values.
// http.Header canonicalizes keys, so collisions are case-insensitive and the
// last override wins.
func ApplyOverrides(h http.Header, overrides []model.HeaderOverride) {
	for _, o := range overrides {
		h.Set(o.Name, o.Value)
	}
}

// CookieHeader serializes cookies into a single Cookie header value.
func CookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
