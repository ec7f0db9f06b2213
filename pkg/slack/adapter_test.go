package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/models"
	"chatgateway/pkg/adapter"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func configuredAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	a := New(testLogger(), 300)
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, a.ApplyConfig(context.Background(), &models.ProviderConfig{
		Platform:   PlatformID,
		ConfigData: string(data),
	}))
	return a
}

func signedRequest(secret string, ts int64, body string) *adapter.WebhookRequest {
	tsStr := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", tsStr, body)

	headers := http.Header{}
	headers.Set("X-Slack-Request-Timestamp", tsStr)
	headers.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))

	return &adapter.WebhookRequest{
		Method:  http.MethodPost,
		Headers: headers,
		Query:   url.Values{},
		Body:    []byte(body),
	}
}

func TestValidateWebhook_ValidSignature(t *testing.T) {
	a := configuredAdapter(t, Config{SigningSecret: "8f742231b10e8888abcd99yyyzzz85a5"})

	req := signedRequest("8f742231b10e8888abcd99yyyzzz85a5", time.Now().Unix(), `{"type":"event_callback"}`)
	result, err := a.ValidateWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Challenge)
}

func TestValidateWebhook_TamperedBodyFails(t *testing.T) {
	a := configuredAdapter(t, Config{SigningSecret: "secret"})

	req := signedRequest("secret", time.Now().Unix(), `{"type":"event_callback"}`)
	req.Body = []byte(`{"type":"event_callback" }`) // one byte altered

	result, err := a.ValidateWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "signature mismatch", result.ErrorMessage)
}

func TestValidateWebhook_StaleTimestampFails(t *testing.T) {
	a := configuredAdapter(t, Config{SigningSecret: "secret"})

	req := signedRequest("secret", time.Now().Add(-10*time.Minute).Unix(), `{}`)
	result, err := a.ValidateWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.ErrorMessage, "tolerance")
}

func TestValidateWebhook_MissingHeadersFail(t *testing.T) {
	a := configuredAdapter(t, Config{SigningSecret: "secret"})

	result, err := a.ValidateWebhook(context.Background(), &adapter.WebhookRequest{
		Headers: http.Header{},
		Body:    []byte(`{}`),
	})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
}

func TestValidateWebhook_NoSecretSkipsVerification(t *testing.T) {
	a := New(testLogger(), 300)

	result, err := a.ValidateWebhook(context.Background(), &adapter.WebhookRequest{
		Headers: http.Header{},
		Body:    []byte(`{"type":"event_callback"}`),
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestValidateWebhook_URLVerificationChallenge(t *testing.T) {
	a := configuredAdapter(t, Config{SigningSecret: "secret"})

	// Handshake is answered without a signature.
	result, err := a.ValidateWebhook(context.Background(), &adapter.WebhookRequest{
		Headers: http.Header{},
		Body:    []byte(`{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`),
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", result.Challenge)
}

func directMessageEvent(user, channel, text, ts string) string {
	return fmt.Sprintf(`{
		"type": "event_callback",
		"team_id": "T123",
		"event": {
			"type": "message",
			"channel_type": "im",
			"user": %q,
			"channel": %q,
			"text": %q,
			"ts": %q
		}
	}`, user, channel, text, ts)
}

func TestParseMessage_DirectMessage(t *testing.T) {
	a := New(testLogger(), 300)

	msg, err := a.ParseMessage(context.Background(), []byte(directMessageEvent("U111", "D222", "hello there", "1712345678.000100")))
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, "U111", msg.SenderID)
	assert.Equal(t, "D222", msg.ReceiverID)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, models.MessageTypeText, msg.MessageType)
	assert.Equal(t, PlatformID, msg.Platform)
	assert.Equal(t, "1712345678.000100", msg.Meta(models.MetaThreadID))
	assert.Equal(t, int64(1712345678), msg.Timestamp.Unix())
}

func TestParseMessage_ThreadReplyKeepsRootThread(t *testing.T) {
	a := New(testLogger(), 300)

	payload := `{
		"type": "event_callback",
		"event": {
			"type": "message",
			"channel_type": "im",
			"user": "U111",
			"channel": "D222",
			"text": "reply",
			"ts": "1712345680.000200",
			"thread_ts": "1712345678.000100"
		}
	}`
	msg, err := a.ParseMessage(context.Background(), []byte(payload))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "1712345678.000100", msg.Meta(models.MetaThreadID))
}

func TestParseMessage_DropsBotAndHousekeeping(t *testing.T) {
	a := New(testLogger(), 300)

	drops := []string{
		// bot_id set
		`{"type":"event_callback","event":{"type":"message","channel_type":"im","bot_id":"B42","channel":"D2","text":"echo","ts":"1.2"}}`,
		// ignored subtype
		`{"type":"event_callback","event":{"type":"message","channel_type":"im","subtype":"message_changed","user":"U1","channel":"D2","ts":"1.2"}}`,
		`{"type":"event_callback","event":{"type":"message","channel_type":"im","subtype":"channel_join","user":"U1","channel":"D2","ts":"1.2"}}`,
		// channel message: delivered as app_mention instead
		`{"type":"event_callback","event":{"type":"message","channel_type":"channel","user":"U1","channel":"C9","text":"hi all","ts":"1.2"}}`,
	}
	for i, payload := range drops {
		msg, err := a.ParseMessage(context.Background(), []byte(payload))
		require.NoError(t, err, "case %d", i)
		assert.Nil(t, msg, "case %d", i)
	}
}

func TestParseMessage_DropsOwnUser(t *testing.T) {
	a := New(testLogger(), 300)
	a.mu.Lock()
	a.botUserID = "UBOT"
	a.mu.Unlock()

	msg, err := a.ParseMessage(context.Background(), []byte(directMessageEvent("UBOT", "D222", "self echo", "1.2")))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParseMessage_AppMentionProcessed(t *testing.T) {
	a := New(testLogger(), 300)

	payload := `{
		"type": "event_callback",
		"event": {
			"type": "app_mention",
			"user": "U111",
			"channel": "C777",
			"text": "<@UBOT> deploy please",
			"ts": "1712345690.000300"
		}
	}`
	msg, err := a.ParseMessage(context.Background(), []byte(payload))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "C777", msg.ReceiverID)
	assert.Equal(t, "app_mention", msg.Meta(models.MetaEventType))
}

func TestParseMessage_MalformedPayloadIgnored(t *testing.T) {
	a := New(testLogger(), 300)

	for _, payload := range []string{"", "not json", `{"type":"unknown_kind"}`} {
		msg, err := a.ParseMessage(context.Background(), []byte(payload))
		assert.NoError(t, err)
		assert.Nil(t, msg)
	}
}

func TestSendMessage_NotConfigured(t *testing.T) {
	a := New(testLogger(), 300)

	result, err := a.SendMessage(context.Background(), &models.ChatMessage{
		ReceiverID: "D222",
		Content:    "hi",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, models.ErrCodeNotConfigured, result.ErrorCode)
	assert.False(t, result.ShouldRetry)
}

func TestSendMessage_MissingReceiver(t *testing.T) {
	a := configuredAdapter(t, Config{BotToken: "xoxb-test"})

	result, err := a.SendMessage(context.Background(), &models.ChatMessage{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.ErrCodeBadRequest, result.ErrorCode)
}

func TestResetToDefaults(t *testing.T) {
	a := configuredAdapter(t, Config{BotToken: "xoxb-test", SigningSecret: "s"})
	require.NoError(t, a.ResetToDefaults(context.Background()))

	result, err := a.SendMessage(context.Background(), &models.ChatMessage{ReceiverID: "D1", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.ErrCodeNotConfigured, result.ErrorCode)
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{&slackRateLimitErr, models.ErrCodeRateLimited, true},
		{errString("invalid_auth"), models.ErrCodeAuthFailed, false},
		{errString("channel_not_found"), models.ErrCodeBadRequest, false},
		{errString("internal_error"), models.ErrCodePlatformError, true},
		{errString("dial tcp: connection refused"), models.ErrCodeNetworkError, true},
	}
	for _, tt := range tests {
		result := classifySendError(tt.err)
		assert.Equal(t, tt.code, result.ErrorCode, tt.err.Error())
		assert.Equal(t, tt.retryable, result.ShouldRetry, tt.err.Error())
	}
}

var slackRateLimitErr = slackapi.RateLimitedError{RetryAfter: time.Second}

type errString string

func (e errString) Error() string { return string(e) }
