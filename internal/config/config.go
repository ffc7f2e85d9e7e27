// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Inbound authentication schemes.
const (
	AuthAnonymous = "anonymous"
	AuthNTLM      = "ntlm"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ntlm-proxy/config.toml",
	"configs/config.toml",
}

// defaultExcludedHeaders are never duplicated onto the upstream request.
var defaultExcludedHeaders = []string{"Host", "Accept-Encoding"}

var absPathPattern = regexp.MustCompile(`^/`)

func init() {
	// Report validation errors by config key rather than Go field name.
	validation.ErrorTag = "toml"
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	EnvFile    string `kong:"help='Dotenv file with NTLM_USER, NTLM_DOMAIN and NTLM_PASSWORD.',default='.env',env='ENV_FILE'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port, 0 picks a free port (overrides config).',default='-1',env='PORT'"`
	Upstream   string `kong:"short='u',help='Upstream base URL (overrides config).',env='UPSTREAM_URL'"`
	MaxRetries int    `kong:"help='Upstream attempts per request, 0 disables retries (overrides config).',default='-1',env='MAX_RETRIES'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Headers  HeadersConfig  `toml:"headers" yaml:"headers"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound listener settings.
type ServerConfig struct {
	Host                   string          `toml:"host" yaml:"host"`
	Port                   int             `toml:"port" yaml:"port"` // 0 means "pick a free port"
	BodyMaxBytes           int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	AuthScheme             string          `toml:"auth_scheme" yaml:"auth_scheme"`
	AllowedUsers           []string        `toml:"allowed_users" yaml:"allowed_users"`
	ShutdownTimeoutSeconds int             `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	AdminPrefix            string          `toml:"admin_prefix" yaml:"admin_prefix"`
	RateLimit              RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection and retry settings.
type UpstreamConfig struct {
	BaseURL         string           `toml:"base_url" yaml:"base_url"`
	TimeoutSeconds  int              `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int              `toml:"idle_connections" yaml:"idle_connections"`
	MaxRetries      *int             `toml:"max_retries" yaml:"max_retries"` // pointer so an explicit 0 survives defaults
	RetryBackoffMS  *int             `toml:"retry_backoff_ms" yaml:"retry_backoff_ms"` // pointer so an explicit 0 survives defaults
	Credential      CredentialConfig `toml:"credential" yaml:"credential"`
}

// CredentialConfig is an explicit upstream credential. When Username is empty
// the ambient identity of the process is used instead.
type CredentialConfig struct {
	Domain   string `toml:"domain" yaml:"domain"`
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
}

// HeadersConfig controls how request headers are carried upstream.
type HeadersConfig struct {
	Inject       map[string]string `toml:"inject" yaml:"inject"`
	Duplicate    bool              `toml:"duplicate" yaml:"duplicate"`
	Exclude      []string          `toml:"exclude" yaml:"exclude"` // nil means the defaults
	StripCharset bool              `toml:"strip_charset" yaml:"strip_charset"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ntlm-proxy/config.toml then configs/config.toml. Without any file the
// configuration is built from flags and defaults alone.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
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

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadEnvFile loads NTLM_* variables from a dotenv file without overriding
// variables already present in the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port >= 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.MaxRetries >= 0 {
		n := cli.MaxRetries
		c.Upstream.MaxRetries = &n
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) normalize() {
	c.Server.AuthScheme = strings.ToLower(c.Server.AuthScheme)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

func (c *Config) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Upstream),
		validation.Field(&c.Headers),
		validation.Field(&c.Log),
		validation.Field(&c.Metrics),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.AuthScheme, validation.In(AuthAnonymous, AuthNTLM)),
		validation.Field(&s.ShutdownTimeoutSeconds, validation.Min(0)),
		validation.Field(&s.AdminPrefix, validation.Match(absPathPattern).Error("must start with '/'")),
		validation.Field(&s.RateLimit),
	)
}

// Validate implements validation.Validatable.
func (r RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RequestsPerSecond,
			validation.When(r.Enabled,
				validation.Required.Error("must be > 0 when rate limiting is enabled"),
				validation.Min(0.0).Exclusive(),
			),
		),
	)
}

// Validate implements validation.Validatable.
func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.BaseURL, validation.Required, validation.By(validateUpstreamURL)),
		validation.Field(&u.TimeoutSeconds, validation.Min(0)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
		validation.Field(&u.MaxRetries, validation.Min(0)),
		validation.Field(&u.RetryBackoffMS, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (h HeadersConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Inject, validation.By(validateHeaderNames)),
	)
}

// Validate implements validation.Validatable.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

// Validate implements validation.Validatable.
func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path,
			validation.When(m.Enabled, validation.Match(absPathPattern).Error("must start with '/'")),
		),
	)
}

func validateUpstreamURL(value interface{}) error {
	raw, _ := value.(string)
	u, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}

var headerNamePattern = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+.^_` + "`" + `|~-]+$`)

func validateHeaderNames(value interface{}) error {
	headers, _ := value.(map[string]string)
	for name := range headers {
		if !headerNamePattern.MatchString(name) {
			return validation.NewError("validation_invalid_header", fmt.Sprintf("invalid header name %q", name))
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// Port is left alone: zero asks the OS for a free port.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.AuthScheme == "" {
		c.Server.AuthScheme = AuthAnonymous
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	// "/" would shadow every proxied path.
	c.Server.AdminPrefix = strings.TrimRight(c.Server.AdminPrefix, "/")
	if c.Server.AdminPrefix == "" {
		c.Server.AdminPrefix = "/_proxy"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRetries == nil {
		n := 3
		c.Upstream.MaxRetries = &n
	}
	if c.Upstream.RetryBackoffMS == nil {
		ms := 1000
		c.Upstream.RetryBackoffMS = &ms
	}
	if c.Headers.Inject == nil {
		c.Headers.Inject = map[string]string{}
	}
	if c.Headers.Exclude == nil {
		c.Headers.Exclude = append([]string(nil), defaultExcludedHeaders...)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = c.Server.AdminPrefix + "/metrics"
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ShutdownTimeout is the grace period for in-flight requests on shutdown.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Retries returns the configured attempt bound. Zero means a single attempt
// without retry semantics.
func (c *UpstreamConfig) Retries() int {
	if c.MaxRetries == nil {
		return 3
	}
	return *c.MaxRetries
}

// Backoff returns the linear backoff unit between attempts.
func (c *UpstreamConfig) Backoff() time.Duration {
	if c.RetryBackoffMS == nil {
		return time.Second
	}
	return time.Duration(*c.RetryBackoffMS) * time.Millisecond
}

// Timeout returns the per-attempt upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if a config file holding a password is
// readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" || c.Upstream.Credential.Password == "" {
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
