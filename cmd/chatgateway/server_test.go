package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/config"
	"chatgateway/internal/crypto"
	"chatgateway/internal/database"
	"chatgateway/internal/features"
	"chatgateway/internal/models"
	"chatgateway/internal/retry"
	"chatgateway/internal/service"
	"chatgateway/pkg/adapter"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// scriptedAdapter drives webhook and send outcomes for server tests.
type scriptedAdapter struct {
	platform   string
	validation *models.WebhookValidationResult
	parsed     *models.ChatMessage
	sendResult *models.SendResult
}

func (a *scriptedAdapter) PlatformID() string  { return a.platform }
func (a *scriptedAdapter) DisplayName() string { return a.platform }
func (a *scriptedAdapter) Initialize(ctx context.Context, cfg *models.ProviderConfig) error {
	return nil
}
func (a *scriptedAdapter) ApplyConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	return nil
}
func (a *scriptedAdapter) ResetToDefaults(ctx context.Context) error { return nil }
func (a *scriptedAdapter) ValidateWebhook(ctx context.Context, req *adapter.WebhookRequest) (*models.WebhookValidationResult, error) {
	return a.validation, nil
}
func (a *scriptedAdapter) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	return a.parsed, nil
}
func (a *scriptedAdapter) SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.SendResult, error) {
	return a.sendResult, nil
}
func (a *scriptedAdapter) SupportedTypes() []models.MessageType {
	return []models.MessageType{models.MessageTypeText}
}

type serverFixture struct {
	server *Server
	db     *database.Database
	slack  *scriptedAdapter
	feishu *scriptedAdapter
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	cipher, err := crypto.NewLegacyCipher("test")
	require.NoError(t, err)
	db, err := database.New(filepath.Join(t.TempDir(), "gw.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := testLogger()
	slack := &scriptedAdapter{
		platform:   "slack",
		validation: &models.WebhookValidationResult{IsValid: true},
		parsed: &models.ChatMessage{
			MessageID: "m1", SenderID: "u1", ReceiverID: "c1",
			Content: "hello", MessageType: models.MessageTypeText,
			Platform: "slack", Timestamp: time.Now().UTC(),
		},
		sendResult: models.SendSuccess("ts-1"),
	}
	feishu := &scriptedAdapter{
		platform:   "feishu",
		validation: &models.WebhookValidationResult{IsValid: true, Challenge: "ch-123"},
	}

	registry := service.NewRegistry()
	registry.Register(slack)
	registry.Register(feishu)

	notifier := config.NewNotifier(logger)
	providers := config.NewService(db, notifier, logger)
	gateway := service.NewGateway(registry, db, nil, providers,
		retry.Policy{MaxRetries: 1, DelayBase: time.Millisecond}, logger)

	cfg := &models.Config{}
	cfg.Server.Port = 0

	return &serverFixture{
		server: NewServer(cfg, gateway, db, providers, features.FromList(""), logger),
		db:     db,
		slack:  slack,
		feishu: feishu,
	}
}

func (f *serverFixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Contains(t, snapshot, "counters")
	assert.Contains(t, snapshot, "uptime_ms")
}

func TestServer_WebhookEnqueues(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/webhook/slack", []byte(`{"type":"event_callback"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Enqueued bool   `json:"enqueued"`
		QueueID  string `json:"queueId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enqueued)

	item, err := f.db.GetQueuedMessage(context.Background(), resp.QueueID)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "hello", item.Message.Content)
}

func TestServer_WebhookUnknownPlatform(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/webhook/telegram", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_WebhookRejectedSignature(t *testing.T) {
	f := newServerFixture(t)
	f.slack.validation = &models.WebhookValidationResult{IsValid: false, ErrorMessage: "bad signature"}

	rec := f.do(http.MethodPost, "/webhook/slack", []byte(`{}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	// The rejection reason stays in the logs, not the response.
	assert.NotContains(t, rec.Body.String(), "bad signature")
}

func TestServer_FeishuChallengeIsJSON(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/webhook/feishu", []byte(`{"type":"url_verification"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"ch-123"}`, rec.Body.String())
}

func TestServer_PlainChallengeEchoedRaw(t *testing.T) {
	f := newServerFixture(t)
	f.slack.validation = &models.WebhookValidationResult{IsValid: true, Challenge: "echo-me"}

	rec := f.do(http.MethodPost, "/webhook/slack", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo-me", rec.Body.String())
}

func TestServer_QueueStats(t *testing.T) {
	f := newServerFixture(t)
	f.do(http.MethodPost, "/webhook/slack", []byte(`{}`))

	rec := f.do(http.MethodGet, "/admin/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Pending)
}

func seedDeadLetter(t *testing.T, f *serverFixture) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/webhook/slack", []byte(`{}`))
	var resp struct {
		QueueID string `json:"queueId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	ctx := context.Background()
	item, err := f.db.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, f.db.Fail(ctx, item.ID, "handler failed"))
	require.NoError(t, f.db.MoveToDeadLetter(ctx, item.ID, "retry budget exhausted"))
	return resp.QueueID
}

func TestServer_DeadLetterLifecycle(t *testing.T) {
	f := newServerFixture(t)
	id := seedDeadLetter(t, f)

	rec := f.do(http.MethodGet, "/admin/deadletters?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Items []models.DeadLetterMessage `json:"items"`
		Total int64                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, int64(1), listing.Total)
	assert.Equal(t, id, listing.Items[0].ID)

	rec = f.do(http.MethodPost, "/admin/deadletters/"+id+"/reprocess", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := f.db.GetQueuedMessage(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
}

func TestServer_DeadLetterDeleteAndClear(t *testing.T) {
	f := newServerFixture(t)
	id := seedDeadLetter(t, f)

	rec := f.do(http.MethodDelete, "/admin/deadletters/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/deadletters/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	seedDeadLetter(t, f)
	rec = f.do(http.MethodDelete, "/admin/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/deadletters", nil)
	var listing struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Zero(t, listing.Total)
}

func TestServer_ProviderCRUD(t *testing.T) {
	f := newServerFixture(t)

	payload := []byte(`{"displayName":"Slack","isEnabled":true,"configData":"{\"botToken\":\"xoxb-1\",\"signingSecret\":\"s1\"}"}`)
	rec := f.do(http.MethodPut, "/admin/providers/slack", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.ConfigValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)

	rec = f.do(http.MethodGet, "/admin/providers/slack", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg models.ProviderConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "Slack", cfg.DisplayName)
	assert.Empty(t, cfg.ConfigData, "credentials never leave the server")

	rec = f.do(http.MethodGet, "/admin/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var configs []models.ProviderConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &configs))
	require.Len(t, configs, 1)
	assert.Empty(t, configs[0].ConfigData)

	rec = f.do(http.MethodDelete, "/admin/providers/slack", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/providers/slack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ProviderRejectsBrokenJSON(t *testing.T) {
	f := newServerFixture(t)

	payload := []byte(`{"configData":"{not json"}`)
	rec := f.do(http.MethodPut, "/admin/providers/slack", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SendMessage(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/admin/messages/send",
		[]byte(`{"platform":"slack","receiverId":"c1","content":"ping"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.SendResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "ts-1", result.PlatformMessageID)
}

func TestServer_SendMessageValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/admin/messages/send", []byte(`{"content":"no target"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SendMessageFailureIsBadGateway(t *testing.T) {
	f := newServerFixture(t)
	f.slack.sendResult = models.SendFailure(models.ErrCodeAuthFailed, "invalid token", false)

	rec := f.do(http.MethodPost, "/admin/messages/send",
		[]byte(`{"platform":"slack","receiverId":"c1","content":"ping"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_AdminAuth(t *testing.T) {
	f := newServerFixture(t)
	t.Setenv("CHATGATEWAY_ADMIN_TOKEN", "sekrit")

	rec := f.do(http.MethodGet, "/admin/queue/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/queue/stats", nil)
	req.Header.Set("X-API-Key", "sekrit")
	out := httptest.NewRecorder()
	f.server.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	// Webhooks are never behind the admin token.
	rec = f.do(http.MethodPost, "/webhook/slack", []byte(`{}`))
	assert.Equal(t, http.StatusOK, rec.Code)
}
