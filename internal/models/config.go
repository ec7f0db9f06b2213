package models

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Queue    QueueConfig    `json:"queue"`
	Provider ProviderStore  `json:"provider"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                int `json:"port"`
	ReadTimeoutSec      int `json:"readTimeoutSec"`
	WriteTimeoutSec     int `json:"writeTimeoutSec"`
	IdleTimeoutSec      int `json:"idleTimeoutSec"`
	WebhookMaxSkewSec   int `json:"webhookMaxSkewSec"`
	GracefulShutdownSec int `json:"gracefulShutdownSec"`
}

// DatabaseConfig holds the sqlite store settings.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// QueueConfig holds queue worker settings.
type QueueConfig struct {
	Workers          int `json:"workers"`
	PollIntervalMs   int `json:"pollIntervalMs"`
	MaxRetryCount    int `json:"maxRetryCount"`
	RetryDelaySec    int `json:"retryDelaySec"`
	CompletedTTLDays int `json:"completedTtlDays"`
}

// ProviderStore holds configuration-subsystem settings. The change
// detection loop runs at CacheExpirationSeconds/2.
type ProviderStore struct {
	CacheExpirationSeconds int `json:"cacheExpirationSeconds"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Enabled        bool    `json:"enabled"`
	UseStdout      bool    `json:"use_stdout"`
}

// ConfigError is a configuration validation error.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
