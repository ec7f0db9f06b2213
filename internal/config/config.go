package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"chatgateway/internal/constants"
	"chatgateway/internal/models"
	"chatgateway/internal/security"
)

var ErrMissingDBPath = models.ConfigError{Message: "missing database path"}

// LoadConfig reads the application config file, fills defaults, and
// applies environment overrides. Platform credentials do NOT live here;
// they come from the encrypted provider store.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateStorePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyDefaults(&config)
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Server.WebhookMaxSkewSec == 0 {
		c.Server.WebhookMaxSkewSec = constants.DefaultWebhookMaxSkewSec
	}
	if c.Server.GracefulShutdownSec == 0 {
		c.Server.GracefulShutdownSec = 30
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = constants.DefaultQueueWorkers
	}
	if c.Queue.PollIntervalMs == 0 {
		c.Queue.PollIntervalMs = constants.DefaultQueuePollIntervalMs
	}
	if c.Queue.MaxRetryCount == 0 {
		c.Queue.MaxRetryCount = constants.DefaultMaxRetryCount
	}
	if c.Queue.RetryDelaySec == 0 {
		c.Queue.RetryDelaySec = constants.DefaultRetryDelaySec
	}
	if c.Provider.CacheExpirationSeconds == 0 {
		c.Provider.CacheExpirationSeconds = constants.DefaultCacheExpirationSec
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("CHATGATEWAY_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if port := os.Getenv("CHATGATEWAY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("CHATGATEWAY_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.OTLPEndpoint = endpoint
	}
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Queue.Workers < 1 {
		return models.ConfigError{Message: "queue workers must be at least 1"}
	}
	if c.Queue.MaxRetryCount < 0 {
		return models.ConfigError{Message: "max retry count must not be negative"}
	}
	return nil
}
