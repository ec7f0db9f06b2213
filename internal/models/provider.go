package models

import (
	"time"
)

// ProviderConfig is the decrypted view of one platform's stored
// configuration. ConfigData is plaintext JSON here; the store keeps it
// encrypted at rest. Mutated only through the configuration service.
type ProviderConfig struct {
	Platform        string    `json:"platform"`
	DisplayName     string    `json:"displayName"`
	IsEnabled       bool      `json:"isEnabled"`
	ConfigData      string    `json:"configData"`
	WebhookURL      string    `json:"webhookUrl,omitempty"`
	MessageInterval int       `json:"messageIntervalMs"`
	MaxRetryCount   int       `json:"maxRetryCount"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ConfigChangeType classifies a detected provider config change.
type ConfigChangeType string

const (
	ConfigChangeCreated  ConfigChangeType = "created"
	ConfigChangeUpdated  ConfigChangeType = "updated"
	ConfigChangeDeleted  ConfigChangeType = "deleted"
	ConfigChangeReloaded ConfigChangeType = "reloaded"
)

// ConfigChangeEvent is pushed to subscribers on provider config changes.
// Transient, never persisted.
type ConfigChangeEvent struct {
	Platform   string           `json:"platform"`
	ChangeType ConfigChangeType `json:"changeType"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ConfigValidationResult reports structural and per-platform field checks
// for one stored provider config. Non-fatal at startup.
type ConfigValidationResult struct {
	Platform      string   `json:"platform"`
	Valid         bool     `json:"valid"`
	MissingFields []string `json:"missingFields,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}
