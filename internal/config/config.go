// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/media-relay/config.toml",
	"configs/config.toml",
}

// Fetcher names accepted by relay.fetcher.
const (
	FetcherHTTP = "http"
	FetcherCurl = "curl"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL string `kong:"help='Backend application base URL (overrides config).',env='BACKEND_URL'"`
	Fetcher    string `kong:"help='Upstream fetcher: http|curl (overrides config).',env='RELAY_FETCHER'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Relay   RelayConfig   `toml:"relay"`
	CORS    CORSConfig    `toml:"cors"`
	Cookies CookieConfig  `toml:"cookies"`
	Backend BackendConfig `toml:"backend"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RelayConfig holds settings for the stream relay and its upstream fetchers.
type RelayConfig struct {
	TimeoutSeconds     int            `toml:"timeout_seconds"`
	IdleConnections    int            `toml:"idle_connections"`
	InsecureSkipVerify bool           `toml:"insecure_skip_verify"`
	Fetcher            string         `toml:"fetcher"`
	CurlBinary         string         `toml:"curl_binary"`
	Playlist           PlaylistConfig `toml:"playlist"`
	HostRules          []HostRule     `toml:"host_rules"`
}

// PlaylistConfig controls HLS playlist rewriting.
type PlaylistConfig struct {
	Enabled       bool   `toml:"enabled"`
	TempDir       string `toml:"temp_dir"`
	MaxBytes      int64  `toml:"max_bytes"`
	ProxySegments bool   `toml:"proxy_segments"`
}

// HostRule adjusts relayed requests whose target host matches Host.
// Host matches the exact hostname or any subdomain of it.
type HostRule struct {
	Host           string            `toml:"host"`
	SetHeaders     map[string]string `toml:"set_headers"`
	RemoveHeaders  []string          `toml:"remove_headers"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
}

// CORSConfig holds the CORS policy applied to relayed and backend responses.
// An empty AllowOrigin echoes the request Origin, falling back to "*".
type CORSConfig struct {
	AllowOrigin      string   `toml:"allow_origin"`
	AllowMethods     []string `toml:"allow_methods"`
	AllowHeaders     []string `toml:"allow_headers"`
	AllowCredentials *bool    `toml:"allow_credentials"`
}

// CookieConfig holds Set-Cookie rewrite rules.
type CookieConfig struct {
	StripSecure *bool  `toml:"strip_secure"`
	StripDomain *bool  `toml:"strip_domain"`
	ForcePath   string `toml:"force_path"`
	SameSite    string `toml:"same_site"`
}

// BackendConfig holds the backend application server settings.
type BackendConfig struct {
	BaseURL           string `toml:"base_url"`
	WSPath            string `toml:"ws_path"`
	WSMaxMessageBytes int64  `toml:"ws_max_message_bytes"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string            `toml:"level"`
	Format     string            `toml:"format"`
	Components map[string]string `toml:"components"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// reservedPaths are routes owned by the relay itself.
var reservedPaths = []string{"/api/v1/proxy", "/video-proxy", "/healthz", "/relay/status", "/auth/callback"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/media-relay/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendURL != "" {
		c.Backend.BaseURL = cli.BackendURL
	}
	if cli.Fetcher != "" {
		c.Relay.Fetcher = cli.Fetcher
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil {
			return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend.base_url must use http or https; got %q", c.Backend.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("backend.base_url must include a host; got %q", c.Backend.BaseURL)
		}
	}
	if p := c.Backend.WSPath; p != "" && p[0] != '/' {
		return fmt.Errorf("backend.ws_path must start with '/'; got %q", p)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Relay.TimeoutSeconds < 0 {
		return fmt.Errorf("relay.timeout_seconds must be non-negative; got %d", c.Relay.TimeoutSeconds)
	}
	if c.Relay.IdleConnections < 0 {
		return fmt.Errorf("relay.idle_connections must be non-negative; got %d", c.Relay.IdleConnections)
	}
	if c.Relay.Playlist.MaxBytes < 0 {
		return fmt.Errorf("relay.playlist.max_bytes must be non-negative; got %d", c.Relay.Playlist.MaxBytes)
	}
	if c.Backend.WSMaxMessageBytes < 0 {
		return fmt.Errorf("backend.ws_max_message_bytes must be non-negative; got %d", c.Backend.WSMaxMessageBytes)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Relay.Fetcher) {
	case FetcherHTTP, FetcherCurl, "":
	default:
		return fmt.Errorf("relay.fetcher must be one of: http, curl; got %q", c.Relay.Fetcher)
	}

	for i, rule := range c.Relay.HostRules {
		if strings.TrimSpace(rule.Host) == "" {
			return fmt.Errorf("relay.host_rules[%d].host is required", i)
		}
		if rule.TimeoutSeconds < 0 {
			return fmt.Errorf("relay.host_rules[%d].timeout_seconds must be non-negative; got %d", i, rule.TimeoutSeconds)
		}
	}

	switch strings.ToLower(c.Cookies.SameSite) {
	case "", "lax", "strict", "none", "keep":
	default:
		return fmt.Errorf("cookies.same_site must be one of: lax, strict, none, keep; got %q", c.Cookies.SameSite)
	}

	// Log fields.
	if err := validLevel("log.level", c.Log.Level); err != nil {
		return err
	}
	for component, level := range c.Log.Components {
		if err := validLevel("log.components."+component, level); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validLevel(field, level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "":
		return nil
	default:
		return fmt.Errorf("%s must be one of: debug, info, warn, error; got %q", field, level)
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // 50 MB
	}
	if c.Relay.TimeoutSeconds == 0 {
		c.Relay.TimeoutSeconds = 30
	}
	if c.Relay.IdleConnections == 0 {
		c.Relay.IdleConnections = 100
	}
	c.Relay.Fetcher = strings.ToLower(c.Relay.Fetcher)
	if c.Relay.Fetcher == "" {
		c.Relay.Fetcher = FetcherHTTP
	}
	if c.Relay.CurlBinary == "" {
		c.Relay.CurlBinary = "curl"
	}
	if c.Relay.Playlist.TempDir == "" {
		c.Relay.Playlist.TempDir = filepath.Join(os.TempDir(), "media-relay")
	}
	if c.Relay.Playlist.MaxBytes == 0 {
		c.Relay.Playlist.MaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if len(c.CORS.AllowMethods) == 0 {
		c.CORS.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = []string{"Range", "X-Requested-With", "Content-Type", "Authorization", "Referer", "Origin", "Accept", "Cookie"}
	}
	if c.CORS.AllowCredentials == nil {
		c.CORS.AllowCredentials = boolPtr(true)
	}
	if c.Cookies.StripSecure == nil {
		c.Cookies.StripSecure = boolPtr(true)
	}
	if c.Cookies.StripDomain == nil {
		c.Cookies.StripDomain = boolPtr(true)
	}
	if c.Cookies.ForcePath == "" {
		c.Cookies.ForcePath = "/"
	}
	c.Cookies.SameSite = strings.ToLower(c.Cookies.SameSite)
	if c.Cookies.SameSite == "" {
		c.Cookies.SameSite = "lax"
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:43211"
	}
	if c.Backend.WSPath == "" {
		c.Backend.WSPath = "/api/v1/ws"
	}
	if c.Backend.WSMaxMessageBytes == 0 {
		c.Backend.WSMaxMessageBytes = 16 * 1024 * 1024 // 16 MB
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func boolPtr(v bool) *bool { return &v }

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the default upstream timeout.
func (c *RelayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the backend proxy timeout.
func (c *BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Credentials reports whether Access-Control-Allow-Credentials is sent.
func (c *CORSConfig) Credentials() bool {
	return c.AllowCredentials == nil || *c.AllowCredentials
}

// FilePath returns the config file the configuration was loaded from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
