// Package config handles configuration loading from a YAML file and
// HUBBRIDGE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// HTTP server port
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// OTLP collector address for traces (empty disables tracing)
	OTELEndpoint string

	Portal  PortalConfig
	SSO     SSOConfig
	Session SessionConfig
	Jobs    JobsConfig
}

// PortalConfig configures the portal HTTP client and its circuit breaker.
type PortalConfig struct {
	BaseURL  string
	APIToken string

	Timeout    time.Duration
	MaxRetries int

	// Circuit breaker: open after FailureThreshold consecutive failures
	// within FailureWindow, stay open for Cooldown.
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

// SSOConfig configures token verification and cookie handling.
type SSOConfig struct {
	// Path to the JWT verifying key. HMAC secrets are raw bytes,
	// RSA public keys are PEM.
	KeyPath string

	// Issuers accepted during verification.
	Issuers []string

	// LocalVerify selects local signature verification over portal /verify.
	LocalVerify bool

	// CookieName is the cookie written on successful auth.
	CookieName string
	// CookieNames are recognized on inbound requests, in order.
	CookieNames []string
	// CookieDomain is the shared parent domain; empty omits the attribute.
	CookieDomain string
	// CookieMaxAge caps the emitted Max-Age.
	CookieMaxAge time.Duration

	// DefaultLanding is used when no next URL is supplied to the bridge.
	DefaultLanding string
	// PortalLoginURL, when set, is where invalid tokens are redirected.
	PortalLoginURL string
}

// SessionConfig configures the verified-session cache.
type SessionConfig struct {
	TTL time.Duration

	// RedisAddr enables the Redis backing when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// JobsConfig configures the Kubernetes job orchestrator.
type JobsConfig struct {
	Namespace   string
	GPUImage    string
	CPUImage    string
	OutputMount string

	// MaxScriptBytes caps ScriptJobRequest.scriptBody.
	MaxScriptBytes int
	// QueueDepth caps concurrently tracked non-terminal jobs.
	QueueDepth int

	SubmitTimeout  time.Duration
	Retention      time.Duration
	StaleThreshold time.Duration
}

// Load reads configuration from the given file (optional) and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 6180)
	v.SetDefault("log_level", "info")
	v.SetDefault("portal.timeout", "5s")
	v.SetDefault("portal.max_retries", 2)
	v.SetDefault("portal.failure_threshold", 5)
	v.SetDefault("portal.failure_window", "30s")
	v.SetDefault("portal.cooldown", "15s")
	v.SetDefault("sso.local_verify", true)
	v.SetDefault("sso.cookie_name", "ai_infra_token")
	v.SetDefault("sso.cookie_names", []string{"ai_infra_token", "jwt_token", "auth_token"})
	v.SetDefault("sso.cookie_max_age", "1h")
	v.SetDefault("sso.default_landing", "/jupyter/hub/")
	v.SetDefault("session.ttl", "5m")
	v.SetDefault("jobs.namespace", "default")
	v.SetDefault("jobs.gpu_image", "python:3.11-gpu")
	v.SetDefault("jobs.cpu_image", "python:3.11-slim")
	v.SetDefault("jobs.max_script_bytes", 1<<20)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.submit_timeout", "15s")
	v.SetDefault("jobs.retention", "1h")
	v.SetDefault("jobs.stale_threshold", "30s")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// HUBBRIDGE_PORTAL_BASE_URL overrides portal.base_url, etc.
	v.SetEnvPrefix("HUBBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		HTTPPort:     v.GetInt("http_port"),
		LogLevel:     v.GetString("log_level"),
		OTELEndpoint: v.GetString("otel_endpoint"),
		Portal: PortalConfig{
			BaseURL:          v.GetString("portal.base_url"),
			APIToken:         v.GetString("portal.api_token"),
			Timeout:          v.GetDuration("portal.timeout"),
			MaxRetries:       v.GetInt("portal.max_retries"),
			FailureThreshold: v.GetInt("portal.failure_threshold"),
			FailureWindow:    v.GetDuration("portal.failure_window"),
			Cooldown:         v.GetDuration("portal.cooldown"),
		},
		SSO: SSOConfig{
			KeyPath:        v.GetString("sso.key_path"),
			Issuers:        v.GetStringSlice("sso.issuers"),
			LocalVerify:    v.GetBool("sso.local_verify"),
			CookieName:     v.GetString("sso.cookie_name"),
			CookieNames:    v.GetStringSlice("sso.cookie_names"),
			CookieDomain:   v.GetString("sso.cookie_domain"),
			CookieMaxAge:   v.GetDuration("sso.cookie_max_age"),
			DefaultLanding: v.GetString("sso.default_landing"),
			PortalLoginURL: v.GetString("sso.portal_login_url"),
		},
		Session: SessionConfig{
			TTL:           v.GetDuration("session.ttl"),
			RedisAddr:     v.GetString("session.redis_addr"),
			RedisPassword: v.GetString("session.redis_password"),
			RedisDB:       v.GetInt("session.redis_db"),
		},
		Jobs: JobsConfig{
			Namespace:      v.GetString("jobs.namespace"),
			GPUImage:       v.GetString("jobs.gpu_image"),
			CPUImage:       v.GetString("jobs.cpu_image"),
			OutputMount:    v.GetString("jobs.output_mount"),
			MaxScriptBytes: v.GetInt("jobs.max_script_bytes"),
			QueueDepth:     v.GetInt("jobs.queue_depth"),
			SubmitTimeout:  v.GetDuration("jobs.submit_timeout"),
			Retention:      v.GetDuration("jobs.retention"),
			StaleThreshold: v.GetDuration("jobs.stale_threshold"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.SSO.LocalVerify && c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url is required when sso.local_verify is disabled")
	}
	if c.SSO.LocalVerify && c.SSO.KeyPath == "" {
		return fmt.Errorf("sso.key_path is required when sso.local_verify is enabled")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be positive")
	}
	if c.Jobs.MaxScriptBytes <= 0 {
		return fmt.Errorf("jobs.max_script_bytes must be positive")
	}
	return nil
}
