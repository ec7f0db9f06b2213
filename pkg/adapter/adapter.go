package adapter

import (
	"context"
	"net/http"
	"net/url"

	"chatgateway/internal/models"
)

// WebhookRequest is the transport-neutral view of an inbound webhook call
// handed to ValidateWebhook and ParseMessage. Body is fully read so the
// same bytes can be verified and then parsed.
type WebhookRequest struct {
	Method  string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// Header returns the first value for the named header, or "".
func (r *WebhookRequest) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// QueryParam returns the first value for the named query parameter, or "".
func (r *WebhookRequest) QueryParam(name string) string {
	if r.Query == nil {
		return ""
	}
	return r.Query.Get(name)
}

// Adapter is the contract every chat platform implements. Adapters are
// stateful: Initialize or ApplyConfig must succeed before ParseMessage,
// SendMessage, or ValidateWebhook are called, and implementations must be
// safe for concurrent use after that.
type Adapter interface {
	// PlatformID returns the stable lowercase identifier ("slack",
	// "feishu", "wechat") used in routes and persisted rows.
	PlatformID() string

	// DisplayName returns the human-facing platform name.
	DisplayName() string

	// Initialize applies the initial configuration and verifies
	// credentials where the platform allows a cheap check.
	Initialize(ctx context.Context, cfg *models.ProviderConfig) error

	// ApplyConfig swaps in a new configuration at runtime. Safe to call
	// concurrently with sends.
	ApplyConfig(ctx context.Context, cfg *models.ProviderConfig) error

	// ResetToDefaults drops dynamic configuration, returning the adapter
	// to its unconfigured state. Subsequent sends fail NOT_CONFIGURED.
	ResetToDefaults(ctx context.Context) error

	// ValidateWebhook authenticates an inbound request. A handshake
	// challenge, when present, is surfaced on the result for the caller
	// to echo.
	ValidateWebhook(ctx context.Context, req *WebhookRequest) (*models.WebhookValidationResult, error)

	// ParseMessage converts a validated webhook body into the common
	// message model. (nil, nil) means the event is authentic but not a
	// deliverable message and must be acknowledged and dropped.
	ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error)

	// SendMessage performs exactly one delivery attempt; retry policy
	// lives with the caller. The result is non-nil whenever err is nil.
	SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.SendResult, error)

	// SupportedTypes lists the message types the platform can deliver
	// natively. Anything else is degraded to text before sending.
	SupportedTypes() []models.MessageType
}
