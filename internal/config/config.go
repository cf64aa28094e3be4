// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ssr-proxy/config.toml",
	"configs/config.toml",
}

// Recognized values of mode.active.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

// CLI holds command-line arguments parsed by Kong.
// MODE, DEV_PORT and PROD_PORT keep the variable names the SSR launcher exports.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Mode     string `kong:"short='m',help='Active upstream mode: dev|prod (overrides config).',env='MODE'"`
	DevPort  int    `kong:"help='Upstream port used in dev mode (overrides config).',env='DEV_PORT'"`
	ProdPort int    `kong:"help='Upstream port used in prod mode (overrides config).',env='PROD_PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Mode     ModeConfig     `toml:"mode"`
	Upstream UpstreamConfig `toml:"upstream"`
	Reload   ReloadConfig   `toml:"reload"`
	Ops      OpsConfig      `toml:"ops"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host            string          `toml:"host"`
	Port            int             `toml:"port"`           // 0 means "use default" (3006)
	BodyMaxBytes    int64           `toml:"body_max_bytes"` // 0 means unlimited
	SecurityHeaders bool            `toml:"security_headers"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ModeConfig selects the active upstream. Active is kept verbatim (lowercased);
// values other than "dev" and "prod" mean no mode is configured.
type ModeConfig struct {
	Active   string `toml:"active"`
	Host     string `toml:"host"`
	DevPort  int    `toml:"dev_port"`
	ProdPort int    `toml:"prod_port"`
}

// UpstreamConfig holds upstream connection settings. BodyIdleTimeoutSeconds
// bounds every read on an HTTP upstream connection, including the wait for
// response headers.
type UpstreamConfig struct {
	ConnectTimeoutSeconds        int `toml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	BodyIdleTimeoutSeconds       int `toml:"body_idle_timeout_seconds"`
}

// ReloadConfig holds the live-reload WebSocket bridge settings.
type ReloadConfig struct {
	Path                    string `toml:"path"`
	HandshakeTimeoutSeconds int    `toml:"handshake_timeout_seconds"`
	IdleTimeoutSeconds      int    `toml:"idle_timeout_seconds"`
	MaxMessageBytes         int64  `toml:"max_message_bytes"`
}

// OpsConfig holds the prefix under which health and status routes are served.
type OpsConfig struct {
	Prefix string `toml:"prefix"`
}

// AdminConfig holds settings for the admin form endpoints.
type AdminConfig struct {
	Enabled  bool   `toml:"enabled"`
	Prefix   string `toml:"prefix"`
	Database string `toml:"database"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ssr-proxy/config.toml then configs/config.toml. If none exists the
// defaults plus CLI/env overrides are used.
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
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Reread re-reads the file the config was loaded from, re-applying cli.
func (c *Config) Reread(cli *CLI) (*Config, error) {
	if c.filePath == "" {
		return nil, errors.New("config: no config file to reload")
	}
	next := *cli
	next.Config = c.filePath
	return Load(&next)
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		c.Mode.Active = cli.Mode
	}
	if cli.DevPort != 0 {
		c.Mode.DevPort = cli.DevPort
	}
	if cli.ProdPort != 0 {
		c.Mode.ProdPort = cli.ProdPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) normalize() {
	c.Mode.Active = strings.ToLower(strings.TrimSpace(c.Mode.Active))
	c.Ops.Prefix = strings.TrimRight(c.Ops.Prefix, "/")
	c.Admin.Prefix = strings.TrimRight(c.Admin.Prefix, "/")
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for name, port := range map[string]int{"mode.dev_port": c.Mode.DevPort, "mode.prod_port": c.Mode.ProdPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0–65535; got %d", name, port)
		}
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Upstream.BodyIdleTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.body_idle_timeout_seconds must be non-negative; got %d", c.Upstream.BodyIdleTimeoutSeconds)
	}
	if c.Reload.HandshakeTimeoutSeconds < 0 || c.Reload.IdleTimeoutSeconds < 0 || c.Reload.MaxMessageBytes < 0 {
		return fmt.Errorf("reload timeouts and max_message_bytes must be non-negative")
	}

	// Paths.
	for name, p := range map[string]string{
		"reload.path":  c.Reload.Path,
		"ops.prefix":   c.Ops.Prefix,
		"admin.prefix": c.Admin.Prefix,
	} {
		if p != "" && p[0] != '/' {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
	}
	if c.Admin.Enabled && c.Ops.Prefix != "" && c.Ops.Prefix == c.Admin.Prefix {
		return fmt.Errorf("admin.prefix %q conflicts with ops.prefix", c.Admin.Prefix)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{c.Reload.Path}
		if c.Admin.Enabled {
			reserved = append(reserved, c.Admin.Prefix)
		}
		for _, r := range reserved {
			if r == "" {
				continue
			}
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3006
	}
	if c.Mode.Host == "" {
		c.Mode.Host = "localhost"
	}
	if c.Mode.DevPort == 0 {
		c.Mode.DevPort = 3000
	}
	if c.Mode.ProdPort == 0 {
		c.Mode.ProdPort = 3001
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 5
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if c.Upstream.BodyIdleTimeoutSeconds == 0 {
		c.Upstream.BodyIdleTimeoutSeconds = 60
	}
	if c.Reload.Path == "" {
		c.Reload.Path = "/_next/webpack-hmr"
	}
	if c.Reload.HandshakeTimeoutSeconds == 0 {
		c.Reload.HandshakeTimeoutSeconds = 10
	}
	if c.Reload.IdleTimeoutSeconds == 0 {
		c.Reload.IdleTimeoutSeconds = 300
	}
	if c.Reload.MaxMessageBytes == 0 {
		c.Reload.MaxMessageBytes = 16 << 20 // 16 MB
	}
	if c.Ops.Prefix == "" {
		c.Ops.Prefix = "/_proxy"
	}
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = "/_admin"
	}
	if c.Admin.Database == "" {
		c.Admin.Database = "ssr-proxy.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = c.Ops.Prefix + "/metrics"
	}
}

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

// FilePath returns the config file the configuration was read from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout returns the upstream dial timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout returns how long to wait for upstream response headers.
func (c *UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutSeconds) * time.Second
}

// BodyIdleTimeout returns how long an upstream response body may stall
// between reads.
func (c *UpstreamConfig) BodyIdleTimeout() time.Duration {
	return time.Duration(c.BodyIdleTimeoutSeconds) * time.Second
}

// HandshakeTimeout returns the outbound WebSocket handshake timeout.
func (c *ReloadConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// IdleTimeout returns how long a bridged session may go without a frame in either direction.
func (c *ReloadConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
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
