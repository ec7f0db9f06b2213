package models

import (
	"time"
)

// MessageType classifies how ChatMessage.Content must be interpreted.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeFile     MessageType = "file"
	MessageTypeRichText MessageType = "rich_text"
	MessageTypeCard     MessageType = "card"
	MessageTypeUnknown  MessageType = "unknown"
)

// ParseMessageType maps a stored type tag back to a MessageType,
// defaulting to text when the tag is unrecognized.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeVideo,
		MessageTypeFile, MessageTypeRichText, MessageTypeCard, MessageTypeUnknown:
		return MessageType(s)
	default:
		return MessageTypeText
	}
}

// ChatMessage is the platform-agnostic message model. Platform and
// MessageType together determine how Content is interpreted and
// re-serialized. Treated as immutable once constructed.
type ChatMessage struct {
	MessageID   string            `json:"messageId"`
	SenderID    string            `json:"senderId"`
	ReceiverID  string            `json:"receiverId,omitempty"`
	Content     string            `json:"content"`
	MessageType MessageType       `json:"messageType"`
	Platform    string            `json:"platform"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Meta returns the metadata value for key, or "" when absent.
func (m *ChatMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// WithMeta returns a shallow copy of the message with the given metadata
// entry set, leaving the original untouched.
func (m *ChatMessage) WithMeta(key, value string) *ChatMessage {
	out := *m
	out.Metadata = make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[key] = value
	return &out
}

// SendResult is produced once per send attempt and never persisted.
type SendResult struct {
	Success           bool   `json:"success"`
	PlatformMessageID string `json:"platformMessageId,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	ShouldRetry       bool   `json:"shouldRetry"`
}

// SendSuccess builds a successful SendResult carrying the platform-native id.
func SendSuccess(platformMessageID string) *SendResult {
	return &SendResult{Success: true, PlatformMessageID: platformMessageID}
}

// SendFailure builds a failed SendResult. retryable classifies the error as
// transient (rate limit, 5xx, timeout) versus terminal.
func SendFailure(code, message string, retryable bool) *SendResult {
	return &SendResult{ErrorCode: code, ErrorMessage: message, ShouldRetry: retryable}
}

// WebhookValidationResult reports the outcome of webhook verification.
// Challenge is populated only for URL-verification handshakes and must be
// echoed back to the platform verbatim.
type WebhookValidationResult struct {
	IsValid      bool   `json:"isValid"`
	Challenge    string `json:"challenge,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// SkippedVerification marks requests accepted without a signature
	// check because the platform's verification credential is not
	// configured. Strict deployments reject these upstream.
	SkippedVerification bool `json:"skippedVerification,omitempty"`
}

// Common SendResult error codes.
const (
	ErrCodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodePlatformError      = "PLATFORM_ERROR"
	ErrCodeNetworkError       = "NETWORK_ERROR"
	ErrCodeCancelled          = "CANCELLED"
)

// Metadata keys shared across adapters.
const (
	MetaThreadID    = "thread_id"
	MetaChannelType = "channel_type"
	MetaMentions    = "mentions"
	MetaEventType   = "event_type"
	MetaRawType     = "raw_type"
)
