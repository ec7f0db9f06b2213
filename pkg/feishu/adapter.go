package feishu

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
	"chatgateway/pkg/adapter"
)

const PlatformID = "feishu"

const defaultBaseURL = "https://open.feishu.cn"

// Feishu API codes that mean the tenant access token is no longer valid.
var tokenInvalidCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991668: true,
}

// Config is the platform secret blob stored (encrypted) in ConfigData.
type Config struct {
	AppID             string `json:"appId"`
	AppSecret         string `json:"appSecret"`
	VerificationToken string `json:"verificationToken,omitempty"`
	EncryptKey        string `json:"encryptKey,omitempty"`
	BaseURL           string `json:"baseUrl,omitempty"`
}

// Adapter implements the platform contract for Feishu (Lark). Auth is a
// client-credentials exchange for a tenant access token, cached per
// adapter instance and refreshed on expiry or a token-invalid response.
type Adapter struct {
	mu                sync.RWMutex
	appID             string
	appSecret         string
	verificationToken string
	encryptKey        string
	baseURL           string

	tokens *adapter.TokenCache
	pacer  *adapter.Pacer
	http   *http.Client
	logger *logrus.Logger
}

// New creates an unconfigured Feishu adapter.
func New(logger *logrus.Logger, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		baseURL: defaultBaseURL,
		tokens:  adapter.NewTokenCache(5 * time.Minute),
		pacer:   adapter.NewPacer(0),
		http:    client,
		logger:  logger,
	}
}

func (a *Adapter) PlatformID() string  { return PlatformID }
func (a *Adapter) DisplayName() string { return "Feishu" }

// SupportedTypes: Feishu delivers text, image keys, post (rich text) and
// interactive cards natively.
func (a *Adapter) SupportedTypes() []models.MessageType {
	return []models.MessageType{
		models.MessageTypeText,
		models.MessageTypeImage,
		models.MessageTypeRichText,
		models.MessageTypeCard,
	}
}

// Initialize applies configuration and eagerly fetches a tenant access
// token so credential problems surface at startup instead of on the
// first send. Missing credentials are a warning, not an error.
func (a *Adapter) Initialize(ctx context.Context, cfg *models.ProviderConfig) error {
	if err := a.ApplyConfig(ctx, cfg); err != nil {
		return err
	}

	a.mu.RLock()
	configured := a.appID != "" && a.appSecret != ""
	a.mu.RUnlock()
	if !configured {
		a.logger.Warn("Feishu adapter initialized without app credentials; sending disabled until configured")
		return nil
	}

	if _, err := a.tokens.Get(ctx, a.fetchToken); err != nil {
		a.logger.WithError(err).Warn("Feishu token exchange failed at startup")
		return nil
	}

	a.logger.WithField("app_id", a.appID).Info("Feishu adapter initialized")
	return nil
}

// ApplyConfig swaps in new credentials at runtime and drops any cached
// token minted under the old ones.
func (a *Adapter) ApplyConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil provider config")
	}

	var pc Config
	if cfg.ConfigData != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigData), &pc); err != nil {
			return fmt.Errorf("failed to parse feishu config: %w", err)
		}
	}

	a.mu.Lock()
	a.appID = pc.AppID
	a.appSecret = pc.AppSecret
	a.verificationToken = pc.VerificationToken
	a.encryptKey = pc.EncryptKey
	if pc.BaseURL != "" {
		a.baseURL = strings.TrimRight(pc.BaseURL, "/")
	} else {
		a.baseURL = defaultBaseURL
	}
	a.mu.Unlock()

	a.tokens.Invalidate()
	a.pacer.SetInterval(time.Duration(cfg.MessageInterval) * time.Millisecond)
	return nil
}

// ResetToDefaults drops credentials; subsequent sends fail NOT_CONFIGURED.
func (a *Adapter) ResetToDefaults(ctx context.Context) error {
	a.mu.Lock()
	a.appID = ""
	a.appSecret = ""
	a.verificationToken = ""
	a.encryptKey = ""
	a.baseURL = defaultBaseURL
	a.mu.Unlock()

	a.tokens.Invalidate()
	a.pacer.SetInterval(0)
	return nil
}

// ValidateWebhook unwraps the optional encrypted envelope, answers the
// url_verification handshake, and checks the verification token on both
// the 1.0 (top-level token) and 2.0 (header.token) envelope shapes. A
// missing configured token skips the check with a warning.
func (a *Adapter) ValidateWebhook(ctx context.Context, req *adapter.WebhookRequest) (*models.WebhookValidationResult, error) {
	a.mu.RLock()
	encryptKey := a.encryptKey
	expected := a.verificationToken
	a.mu.RUnlock()

	payload, err := unwrap(encryptKey, req.Body)
	if err != nil {
		return invalid(fmt.Sprintf("failed to decrypt payload: %v", err)), nil
	}

	var env struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Token     string `json:"token"`
		Header    struct {
			Token string `json:"token"`
		} `json:"header"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return invalid("malformed event payload"), nil
	}

	token := env.Token
	if token == "" {
		token = env.Header.Token
	}

	skipped := expected == ""
	if skipped {
		a.logger.Warn("Feishu verification token not configured; skipping webhook token check")
	} else if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return invalid("verification token mismatch"), nil
	}

	if env.Type == "url_verification" {
		return &models.WebhookValidationResult{IsValid: true, Challenge: env.Challenge, SkippedVerification: skipped}, nil
	}
	return &models.WebhookValidationResult{IsValid: true, SkippedVerification: skipped}, nil
}

// event wire shapes, 2.0 schema and the 1.0 legacy envelope.
type eventV2 struct {
	Schema string `json:"schema"`
	Header struct {
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
		} `json:"message"`
	} `json:"event"`
}

type eventV1 struct {
	UUID  string `json:"uuid"`
	Event struct {
		Type          string `json:"type"`
		MsgType       string `json:"msg_type"`
		OpenID        string `json:"open_id"`
		OpenChatID    string `json:"open_chat_id"`
		OpenMessageID string `json:"open_message_id"`
		Text          string `json:"text"`
	} `json:"event"`
}

// ParseMessage unwraps the envelope and normalizes im.message.receive_v1
// (or the legacy 1.0 message event). Anything else — app lifecycle
// events, bot senders, unparseable payloads — yields (nil, nil).
func (a *Adapter) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	a.mu.RLock()
	encryptKey := a.encryptKey
	a.mu.RUnlock()

	payload, err := unwrap(encryptKey, raw)
	if err != nil {
		a.logger.WithError(err).Debug("Undecryptable Feishu payload dropped")
		return nil, nil
	}

	var v2 eventV2
	if err := json.Unmarshal(payload, &v2); err == nil && v2.Header.EventType == "im.message.receive_v1" {
		if v2.Event.Sender.SenderType != "" && v2.Event.Sender.SenderType != "user" {
			return nil, nil
		}
		m := v2.Event.Message
		msgType, content := mapInboundContent(m.MessageType, m.Content)
		return &models.ChatMessage{
			MessageID:   m.MessageID,
			SenderID:    v2.Event.Sender.SenderID.OpenID,
			ReceiverID:  m.ChatID,
			Content:     content,
			MessageType: msgType,
			Platform:    PlatformID,
			Timestamp:   millisTimestamp(m.CreateTime),
			Metadata: map[string]string{
				models.MetaChannelType: m.ChatType,
				models.MetaRawType:     m.MessageType,
			},
		}, nil
	}

	var v1 eventV1
	if err := json.Unmarshal(payload, &v1); err == nil && v1.Event.Type == "message" {
		msgType, content := mapInboundContent(v1.Event.MsgType, v1.Event.Text)
		return &models.ChatMessage{
			MessageID:   v1.Event.OpenMessageID,
			SenderID:    v1.Event.OpenID,
			ReceiverID:  v1.Event.OpenChatID,
			Content:     content,
			MessageType: msgType,
			Platform:    PlatformID,
			Timestamp:   time.Now().UTC(),
			Metadata:    map[string]string{models.MetaRawType: v1.Event.MsgType},
		}, nil
	}

	return nil, nil
}

// mapInboundContent maps Feishu message_type and its JSON content blob
// into the common model. Text content is unwrapped to the bare string;
// richer types keep their platform-native JSON.
func mapInboundContent(feishuType, content string) (models.MessageType, string) {
	switch feishuType {
	case "text":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &body); err == nil && body.Text != "" {
			return models.MessageTypeText, body.Text
		}
		return models.MessageTypeText, content
	case "image":
		var body struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(content), &body); err == nil && body.ImageKey != "" {
			return models.MessageTypeImage, body.ImageKey
		}
		return models.MessageTypeImage, content
	case "post":
		return models.MessageTypeRichText, content
	case "interactive":
		return models.MessageTypeCard, content
	default:
		return models.MessageTypeUnknown, content
	}
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}

// SendMessage posts one im/v1/messages call using the cached tenant
// token. A token-invalid response invalidates the cache and retries once
// with fresh credentials inside the same attempt.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.SendResult, error) {
	a.mu.RLock()
	configured := a.appID != "" && a.appSecret != ""
	a.mu.RUnlock()

	if !configured {
		return models.SendFailure(models.ErrCodeNotConfigured, "feishu app credentials not configured", false), nil
	}
	if msg == nil || msg.ReceiverID == "" {
		return models.SendFailure(models.ErrCodeBadRequest, "missing receiver id", false), nil
	}

	msg = adapter.Degrade(msg, a.SupportedTypes())

	if err := a.pacer.Wait(ctx); err != nil {
		return models.SendFailure(models.ErrCodeCancelled, err.Error(), false), nil
	}

	token, err := a.tokens.Get(ctx, a.fetchToken)
	if err != nil {
		return models.SendFailure(models.ErrCodeAuthFailed, err.Error(), true), nil
	}

	result, tokenInvalid := a.postMessage(ctx, token, msg)
	if tokenInvalid {
		a.tokens.Invalidate()
		token, err = a.tokens.Get(ctx, a.fetchToken)
		if err != nil {
			return models.SendFailure(models.ErrCodeAuthFailed, err.Error(), true), nil
		}
		result, _ = a.postMessage(ctx, token, msg)
	}
	return result, nil
}

// postMessage performs the HTTP call. The second return reports a
// token-invalid response so the caller can refresh and retry once.
func (a *Adapter) postMessage(ctx context.Context, token string, msg *models.ChatMessage) (*models.SendResult, bool) {
	msgType, content := mapOutboundContent(msg)
	body, err := json.Marshal(map[string]string{
		"receive_id": msg.ReceiverID,
		"msg_type":   msgType,
		"content":    content,
	})
	if err != nil {
		return models.SendFailure(models.ErrCodeBadRequest, err.Error(), false), false
	}

	a.mu.RLock()
	url := fmt.Sprintf("%s/open-apis/im/v1/messages?receive_id_type=%s", a.baseURL, receiveIDType(msg.ReceiverID))
	a.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.SendFailure(models.ErrCodeBadRequest, err.Error(), false), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return models.SendFailure(models.ErrCodeNetworkError, err.Error(), true), false
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return models.SendFailure(models.ErrCodePlatformError,
			fmt.Sprintf("undecodable response (http %d): %v", resp.StatusCode, err), resp.StatusCode >= 500), false
	}

	switch {
	case api.Code == 0:
		return models.SendSuccess(api.Data.MessageID), false
	case tokenInvalidCodes[api.Code]:
		return models.SendFailure(models.ErrCodeAuthFailed, api.Msg, true), true
	case resp.StatusCode == http.StatusTooManyRequests || api.Code == 99991400:
		return models.SendFailure(models.ErrCodeRateLimited, api.Msg, true), false
	case resp.StatusCode >= 500:
		return models.SendFailure(models.ErrCodePlatformError, api.Msg, true), false
	default:
		return models.SendFailure(models.ErrCodeBadRequest,
			fmt.Sprintf("feishu api error %d: %s", api.Code, api.Msg), false), false
	}
}

// mapOutboundContent renders the common model into Feishu's msg_type and
// content JSON string.
func mapOutboundContent(msg *models.ChatMessage) (string, string) {
	switch msg.MessageType {
	case models.MessageTypeImage:
		content, _ := json.Marshal(map[string]string{"image_key": msg.Content})
		return "image", string(content)
	case models.MessageTypeRichText:
		return "post", msg.Content
	case models.MessageTypeCard:
		return "interactive", msg.Content
	default:
		content, _ := json.Marshal(map[string]string{"text": msg.Content})
		return "text", string(content)
	}
}

// receiveIDType infers the receive_id_type query parameter from the id
// prefix Feishu assigns: oc_ chat ids, ou_ user open ids.
func receiveIDType(receiverID string) string {
	if strings.HasPrefix(receiverID, "ou_") {
		return "open_id"
	}
	return "chat_id"
}

// fetchToken exchanges app credentials for a tenant access token.
func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	a.mu.RLock()
	body, err := json.Marshal(map[string]string{
		"app_id":     a.appID,
		"app_secret": a.appSecret,
	})
	url := a.baseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	a.mu.RUnlock()
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}

	var tr struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", 0, fmt.Errorf("undecodable token response: %w", err)
	}
	if tr.Code != 0 || tr.TenantAccessToken == "" {
		return "", 0, fmt.Errorf("token exchange rejected: code %d: %s", tr.Code, tr.Msg)
	}

	return tr.TenantAccessToken, time.Duration(tr.Expire) * time.Second, nil
}

func invalid(reason string) *models.WebhookValidationResult {
	return &models.WebhookValidationResult{IsValid: false, ErrorMessage: reason}
}

// millisTimestamp parses Feishu's millisecond create_time string.
func millisTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
