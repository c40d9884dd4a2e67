package headers

import (
	"net/http"
	"strings"

	"media-relay-go/internal/config"
)

// CookieRules describes how Set-Cookie values are rewritten so cookies issued
// for the upstream origin stay usable through the relay over plain HTTP.
type CookieRules struct {
	StripSecure bool
	StripDomain bool
	ForcePath   string // replaces an existing Path attribute when non-empty
	SameSite    string // replaces an existing SameSite attribute; "" or "keep" leaves it
}

// RelayCookieRules only strips Secure; relayed third-party cookies keep their
// own scope.
func RelayCookieRules(cfg *config.CookieConfig) CookieRules {
	return CookieRules{StripSecure: cfg.StripSecure == nil || *cfg.StripSecure}
}

// BackendCookieRules rewrites backend cookies so they bind to the relay's own
// origin.
func BackendCookieRules(cfg *config.CookieConfig) CookieRules {
	return CookieRules{
		StripSecure: cfg.StripSecure == nil || *cfg.StripSecure,
		StripDomain: cfg.StripDomain == nil || *cfg.StripDomain,
		ForcePath:   cfg.ForcePath,
		SameSite:    cfg.SameSite,
	}
}

// RewriteSetCookie applies the rules to one Set-Cookie header value.
func (r CookieRules) RewriteSetCookie(value string) string {
	parts := strings.Split(value, ";")
	out := make([]string, 0, len(parts))
	out = append(out, strings.TrimSpace(parts[0]))

	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		name, _, _ := strings.Cut(attr, "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "secure":
			if r.StripSecure {
				continue
			}
		case "domain":
			if r.StripDomain {
				continue
			}
		case "path":
			if r.ForcePath != "" {
				attr = "Path=" + r.ForcePath
			}
		case "samesite":
			if s := sameSiteValue(r.SameSite); s != "" {
				attr = "SameSite=" + s
			}
		}
		out = append(out, attr)
	}
	return strings.Join(out, "; ")
}

// Rewrite applies the rules to every Set-Cookie value in h.
func (r CookieRules) Rewrite(h http.Header) {
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	rewritten := make([]string, len(values))
	for i, v := range values {
		rewritten[i] = r.RewriteSetCookie(v)
	}
	h["Set-Cookie"] = rewritten
}

func sameSiteValue(mode string) string {
	switch strings.ToLower(mode) {
	case "lax":
		return "Lax"
	case "strict":
		return "Strict"
	case "none":
		return "None"
	default:
		return ""
	}
}
