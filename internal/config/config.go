// Package config defines the global configuration structure for the PlaySync
// service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"playsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the PlaySync service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"playsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Play          PlayConfig
	Auth          AuthConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URL of this API (no trailing slash), used in logs and docs links.
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
	ReadTimeout    time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// AckRetryQueue receives deferred acknowledgment retries consumed by the
	// ack-worker Lambda.
	AckRetryQueue string `envconfig:"SQS_ACK_RETRY" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// PlayConfig holds Google Play Developer API integration settings.
type PlayConfig struct {
	// PackageName is the Android application package the purchases belong to.
	PackageName string `envconfig:"PLAY_PACKAGE_NAME" validate:"required"`

	// ServiceAccountJSON is the Google service account key (full JSON document)
	// authorized for the Android Publisher API.
	ServiceAccountJSON SecretString `envconfig:"PLAY_SERVICE_ACCOUNT_JSON" validate:"required"`

	// WebhookToken is the shared token expected on real-time developer
	// notification pushes, carried as a query parameter on the push endpoint.
	WebhookToken SecretString `envconfig:"PLAY_WEBHOOK_TOKEN" validate:"required,min=16"`

	// Deadlines for the two remote calls the sync pipeline makes.
	VerifyTimeout time.Duration `envconfig:"PLAY_VERIFY_TIMEOUT" default:"15s"`
	AckTimeout    time.Duration `envconfig:"PLAY_ACK_TIMEOUT" default:"10s"`

	// AckRetryDelay is how long a failed acknowledgment waits before the
	// queued retry fires.
	AckRetryDelay time.Duration `envconfig:"PLAY_ACK_RETRY_DELAY" default:"1m"`
}

// AuthConfig holds API authentication secrets.
type AuthConfig struct {
	// APIKeyHash is the bcrypt hash of the service API key presented by
	// mobile backends on the client re-sync endpoints. The raw key is never
	// stored or configured server-side.
	APIKeyHash SecretString `envconfig:"API_KEY_HASH" validate:"required"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"PlaySync"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
