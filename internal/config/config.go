// Package config provides YAML configuration loading with validation and
// environment variable substitution for the mail relay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server" json:"server"`
	Metrics         MetricsConfig         `yaml:"metrics" json:"metrics"`
	Logging         LoggingConfig         `yaml:"logging" json:"logging"`
	ClientRateLimit ClientRateLimitConfig `yaml:"client_rate_limit" json:"client_rate_limit"`
	Admin           AdminConfig           `yaml:"admin" json:"admin"`
	Engine          EngineConfig          `yaml:"engine" json:"engine"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" json:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// ClientRateLimitConfig holds the per-client boundary limiter settings.
// This throttles individual callers at the HTTP edge; the engine's
// admission window under engine.rate_limit bounds total throughput.
type ClientRateLimitConfig struct {
	Enabled           *bool    `yaml:"enabled" json:"enabled"` // default: true
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int      `yaml:"burst_size" json:"burst_size"`
	TrustedProxies    []string `yaml:"trusted_proxies" json:"trusted_proxies"` // CIDR notation
}

// IsEnabled returns whether the boundary limiter is enabled (defaults to true).
func (c ClientRateLimitConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// EngineConfig holds the delivery engine settings. The engine is built once
// at startup from this section; hot reload does not touch it.
type EngineConfig struct {
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Retry     RetryConfig      `yaml:"retry" json:"retry"`
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
}

// RateLimitConfig holds the engine-wide sliding admission window settings.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// RetryConfig holds the per-provider retry budget settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// ProviderConfig defines a single delivery provider. List order is fallback
// priority order: the first provider is primary.
type ProviderConfig struct {
	Name           string               `yaml:"name" json:"name"`
	Endpoint       string               `yaml:"endpoint" json:"endpoint"`
	APIKey         string               `yaml:"api_key" json:"api_key"`
	Timeout        time.Duration        `yaml:"timeout" json:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// CircuitBreakerConfig holds one provider's breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	MonitoringWindow time.Duration `yaml:"monitoring_window" json:"monitoring_window"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value. Unresolved variables are left as-is and
// surface later as warnings.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 262144 // 256 KB; emails are small
	}

	// TLS defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.ClientRateLimit.RequestsPerSecond == 0 {
		cfg.ClientRateLimit.RequestsPerSecond = 50
	}
	if cfg.ClientRateLimit.BurstSize == 0 {
		cfg.ClientRateLimit.BurstSize = 25
	}

	// Engine defaults
	eng := &cfg.Engine
	if eng.RateLimit.MaxRequests == 0 {
		eng.RateLimit.MaxRequests = 100
	}
	if eng.RateLimit.Window == 0 {
		eng.RateLimit.Window = time.Minute
	}
	if eng.Retry.MaxAttempts == 0 {
		eng.Retry.MaxAttempts = 3
	}
	if eng.Retry.BaseDelay == 0 {
		eng.Retry.BaseDelay = time.Second
	}
	if eng.Retry.MaxDelay == 0 {
		eng.Retry.MaxDelay = 30 * time.Second
	}
	for i := range eng.Providers {
		p := &eng.Providers[i]
		if p.Timeout == 0 {
			p.Timeout = 10 * time.Second
		}
		if p.CircuitBreaker.FailureThreshold == 0 {
			p.CircuitBreaker.FailureThreshold = 5
		}
		if p.CircuitBreaker.RecoveryTimeout == 0 {
			p.CircuitBreaker.RecoveryTimeout = time.Minute
		}
		if p.CircuitBreaker.MonitoringWindow == 0 {
			p.CircuitBreaker.MonitoringWindow = time.Minute
		}
	}
}

func validate(cfg *Config) error {
	_, port, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("server.listen_addr: invalid address %q: %w", cfg.Server.ListenAddr, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("server.listen_addr: port must be between 1 and 65535, got %q", port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	// Boundary limiter validation
	if cfg.ClientRateLimit.IsEnabled() {
		if cfg.ClientRateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("client_rate_limit.requests_per_second must be positive")
		}
		if cfg.ClientRateLimit.BurstSize <= 0 {
			return fmt.Errorf("client_rate_limit.burst_size must be positive")
		}
	}
	for i, cidr := range cfg.ClientRateLimit.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("client_rate_limit.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	// Engine validation
	eng := cfg.Engine
	if eng.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("engine.rate_limit.max_requests must be positive")
	}
	if eng.RateLimit.Window <= 0 {
		return fmt.Errorf("engine.rate_limit.window must be positive")
	}
	if eng.Retry.MaxAttempts < 1 {
		return fmt.Errorf("engine.retry.max_attempts must be positive")
	}
	if eng.Retry.BaseDelay <= 0 {
		return fmt.Errorf("engine.retry.base_delay must be positive")
	}
	if eng.Retry.MaxDelay < eng.Retry.BaseDelay {
		return fmt.Errorf("engine.retry.max_delay must be >= base_delay")
	}

	if len(eng.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool)
	for i, p := range eng.Providers {
		if p.Name == "" {
			return fmt.Errorf("engine.providers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true

		if p.Endpoint == "" {
			return fmt.Errorf("engine.providers[%d].endpoint is required", i)
		}
		u, err := url.Parse(p.Endpoint)
		if err != nil {
			return fmt.Errorf("engine.providers[%d].endpoint: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("engine.providers[%d].endpoint: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("engine.providers[%d].endpoint: host is required", i)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("engine.providers[%d].timeout must be non-negative", i)
		}

		cb := p.CircuitBreaker
		if cb.FailureThreshold < 1 {
			return fmt.Errorf("engine.providers[%d].circuit_breaker.failure_threshold must be positive", i)
		}
		if cb.RecoveryTimeout <= 0 {
			return fmt.Errorf("engine.providers[%d].circuit_breaker.recovery_timeout must be positive", i)
		}
		if cb.MonitoringWindow <= 0 {
			return fmt.Errorf("engine.providers[%d].circuit_breaker.monitoring_window must be positive", i)
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	for _, p := range cfg.Engine.Providers {
		if strings.Contains(p.APIKey, "${") {
			warnings = append(warnings, fmt.Sprintf("provider %q api_key contains unresolved environment variable", p.Name))
		}
		if p.APIKey == "" {
			warnings = append(warnings, fmt.Sprintf("provider %q has no api_key; requests will be unauthenticated", p.Name))
		}
	}
	if cfg.Admin.Enabled && !cfg.Server.TLS.Enabled {
		warnings = append(warnings, "admin API enabled without TLS; breaker resets travel in cleartext")
	}
	return warnings
}
