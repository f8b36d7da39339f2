// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/webview-comms/pkg/comms"
)

const logPrefix = "config:LoadConfig"

// Config holds surface-host configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL. Empty disables the NATS transport.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"surface-host"`

	// Subjects (empty = package defaults: surface.<id>.to-host|to-client, surface.events)
	SurfaceSubjectPrefix string `envconfig:"SURFACE_SUBJECT_PREFIX" default:"surface"`
	SurfaceEventSubject  string `envconfig:"SURFACE_EVENT_SUBJECT" default:"surface.events"`
	ControlSubject       string `envconfig:"SURFACE_CONTROL_SUBJECT" default:"surface.control"`

	// Upper bound for one control request (open/send/request/...)
	ControlTimeout time.Duration `envconfig:"CONTROL_REQUEST_TIMEOUT" default:"25s"`

	// Handshake and messaging
	HandshakeTimeout   time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	MaxSendRetries     int           `envconfig:"MAX_SEND_RETRIES" default:"3"`
	RetryBackoff       time.Duration `envconfig:"RETRY_BACKOFF" default:"200ms"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"0s"`
	RetryJitter        float64       `envconfig:"RETRY_JITTER" default:"0"`
	EnableLogging      bool          `envconfig:"ENABLE_PROTOCOL_LOGGING" default:"false"`
	QueueWarnThreshold int           `envconfig:"QUEUE_WARN_THRESHOLD" default:"256"`
	SupportedProtocol  string        `envconfig:"SUPPORTED_PROTOCOL" default:"^1.0.0"`

	// Surface manifest: NATS surfaces opened at startup and their aliases (optional)
	BootstrapFile string `envconfig:"SURFACE_BOOTSTRAP_FILE"`

	// Database (optional: state versions are kept in memory without it)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health, listing and websocket endpoint (SURFACE_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"SURFACE_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the surface host.
func (c *Config) ValidateForServe() error {
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%s - HANDSHAKE_TIMEOUT must be positive", logPrefix)
	}
	if c.MaxSendRetries < 0 {
		return fmt.Errorf("%s - MAX_SEND_RETRIES must not be negative", logPrefix)
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("%s - RETRY_BACKOFF must be positive", logPrefix)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must not be negative", logPrefix)
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("%s - RETRY_JITTER must be between 0 and 1", logPrefix)
	}
	if _, err := semver.NewConstraint(c.SupportedProtocol); err != nil {
		return fmt.Errorf("%s - SUPPORTED_PROTOCOL %q is not a semver constraint: %w", logPrefix, c.SupportedProtocol, err)
	}
	if c.ControlTimeout <= 0 {
		return fmt.Errorf("%s - CONTROL_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.HTTPAddr == "" && (c.HTTPPort <= 0 || c.HTTPPort > 65535) {
		return fmt.Errorf("%s - HTTP_PORT %d is out of range", logPrefix, c.HTTPPort)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// CommsOptions maps the handshake settings onto comms.Options.
func (c *Config) CommsOptions() comms.Options {
	opts := comms.DefaultOptions()
	opts.HandshakeTimeout = c.HandshakeTimeout
	opts.MaxSendRetries = c.MaxSendRetries
	opts.RetryBackoff = c.RetryBackoff
	opts.RequestTimeout = c.RequestTimeout
	opts.RetryJitter = c.RetryJitter
	opts.EnableLogging = c.EnableLogging
	opts.QueueWarnThreshold = c.QueueWarnThreshold
	opts.SupportedProtocol = c.SupportedProtocol
	return opts
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}
