package wechat

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
	"chatgateway/pkg/adapter"
)

const PlatformID = "wechat"

const defaultBaseURL = "https://api.weixin.qq.com"

// WeChat error codes meaning the cached access token is stale.
var tokenInvalidCodes = map[int]bool{
	40001: true, // invalid credential
	40014: true, // invalid access_token
	42001: true, // access_token expired
}

// Config is the platform secret blob stored (encrypted) in ConfigData.
type Config struct {
	AppID          string `json:"appId"`
	AppSecret      string `json:"appSecret"`
	Token          string `json:"token"`
	EncodingAESKey string `json:"encodingAesKey,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty"`
}

// Adapter implements the platform contract for WeChat official accounts.
// Inbound traffic is XML, optionally AES-encrypted (safe mode); outbound
// replies use the customer-service message API with a cached access token.
type Adapter struct {
	mu             sync.RWMutex
	appID          string
	appSecret      string
	token          string
	encodingAESKey string
	baseURL        string

	tokens *adapter.TokenCache
	pacer  *adapter.Pacer
	http   *http.Client
	logger *logrus.Logger
}

// New creates an unconfigured WeChat adapter.
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
func (a *Adapter) DisplayName() string { return "WeChat" }

// SupportedTypes: the customer-service API used here delivers text and
// media ids for images; everything richer is degraded.
func (a *Adapter) SupportedTypes() []models.MessageType {
	return []models.MessageType{models.MessageTypeText, models.MessageTypeImage}
}

// Initialize applies configuration and eagerly exchanges credentials for
// an access token. Missing credentials are a warning, not an error.
func (a *Adapter) Initialize(ctx context.Context, cfg *models.ProviderConfig) error {
	if err := a.ApplyConfig(ctx, cfg); err != nil {
		return err
	}

	a.mu.RLock()
	configured := a.appID != "" && a.appSecret != ""
	a.mu.RUnlock()
	if !configured {
		a.logger.Warn("WeChat adapter initialized without app credentials; sending disabled until configured")
		return nil
	}

	if _, err := a.tokens.Get(ctx, a.fetchToken); err != nil {
		a.logger.WithError(err).Warn("WeChat token exchange failed at startup")
		return nil
	}

	a.logger.WithField("app_id", a.appID).Info("WeChat adapter initialized")
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
			return fmt.Errorf("failed to parse wechat config: %w", err)
		}
	}

	a.mu.Lock()
	a.appID = pc.AppID
	a.appSecret = pc.AppSecret
	a.token = pc.Token
	a.encodingAESKey = pc.EncodingAESKey
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
	a.token = ""
	a.encodingAESKey = ""
	a.baseURL = defaultBaseURL
	a.mu.Unlock()

	a.tokens.Invalidate()
	a.pacer.SetInterval(0)
	return nil
}

// ValidateWebhook checks the SHA-1 signature over the sorted
// (token, timestamp, nonce) triple. The GET handshake echoes echostr on
// success. For safe-mode POSTs carrying msg_signature, the check instead
// covers the quadruple including the Encrypt field from the request XML.
// A missing configured token skips verification with a warning.
func (a *Adapter) ValidateWebhook(ctx context.Context, req *adapter.WebhookRequest) (*models.WebhookValidationResult, error) {
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()

	if token == "" {
		a.logger.Warn("WeChat token not configured; skipping webhook signature verification")
		if req.Method == http.MethodGet {
			return &models.WebhookValidationResult{IsValid: true, Challenge: req.QueryParam("echostr"), SkippedVerification: true}, nil
		}
		return &models.WebhookValidationResult{IsValid: true, SkippedVerification: true}, nil
	}

	timestamp := req.QueryParam("timestamp")
	nonce := req.QueryParam("nonce")

	if req.Method == http.MethodGet {
		if !signatureEqual(req.QueryParam("signature"), signature(token, timestamp, nonce)) {
			return invalid("handshake signature mismatch"), nil
		}
		return &models.WebhookValidationResult{IsValid: true, Challenge: req.QueryParam("echostr")}, nil
	}

	if msgSig := req.QueryParam("msg_signature"); msgSig != "" {
		var envelope struct {
			Encrypt string `xml:"Encrypt"`
		}
		if err := xml.Unmarshal(req.Body, &envelope); err != nil || envelope.Encrypt == "" {
			return invalid("safe-mode request without Encrypt element"), nil
		}
		if !signatureEqual(msgSig, signature(token, timestamp, nonce, envelope.Encrypt)) {
			return invalid("message signature mismatch"), nil
		}
		return &models.WebhookValidationResult{IsValid: true}, nil
	}

	if !signatureEqual(req.QueryParam("signature"), signature(token, timestamp, nonce)) {
		return invalid("signature mismatch"), nil
	}
	return &models.WebhookValidationResult{IsValid: true}, nil
}

// inboundMessage is the XML shape WeChat posts, plain or decrypted.
type inboundMessage struct {
	ToUserName   string `xml:"ToUserName"`
	FromUserName string `xml:"FromUserName"`
	CreateTime   int64  `xml:"CreateTime"`
	MsgType      string `xml:"MsgType"`
	MsgID        int64  `xml:"MsgId"`
	Content      string `xml:"Content"`
	PicURL       string `xml:"PicUrl"`
	MediaID      string `xml:"MediaId"`
	Format       string `xml:"Format"`
	Event        string `xml:"Event"`
	LocationX    string `xml:"Location_X"`
	LocationY    string `xml:"Location_Y"`
	Label        string `xml:"Label"`
	Title        string `xml:"Title"`
	Description  string `xml:"Description"`
	URL          string `xml:"Url"`
	Encrypt      string `xml:"Encrypt"`
}

// ParseMessage unwraps the XML (decrypting safe-mode payloads), drops
// event notifications, and maps message sub-types into the common model.
// Sub-types the model cannot express are coerced to a textual
// description rather than dropped.
func (a *Adapter) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	var in inboundMessage
	if err := xml.Unmarshal(raw, &in); err != nil {
		a.logger.WithError(err).Debug("Unparseable WeChat payload dropped")
		return nil, nil
	}

	if in.Encrypt != "" {
		a.mu.RLock()
		aesKey, appID := a.encodingAESKey, a.appID
		a.mu.RUnlock()

		plain, err := decryptSafeMode(aesKey, in.Encrypt, appID)
		if err != nil {
			a.logger.WithError(err).Debug("Undecryptable WeChat payload dropped")
			return nil, nil
		}
		in = inboundMessage{}
		if err := xml.Unmarshal(plain, &in); err != nil {
			return nil, nil
		}
	}

	// Subscribe/unsubscribe/click notifications are not user messages.
	if in.MsgType == "event" || in.MsgType == "" {
		return nil, nil
	}

	msgType, content := mapInbound(&in)
	messageID := strconv.FormatInt(in.MsgID, 10)
	if in.MsgID == 0 {
		messageID = fmt.Sprintf("%s-%d", in.FromUserName, in.CreateTime)
	}

	return &models.ChatMessage{
		MessageID:   messageID,
		SenderID:    in.FromUserName,
		ReceiverID:  in.ToUserName,
		Content:     content,
		MessageType: msgType,
		Platform:    PlatformID,
		Timestamp:   time.Unix(in.CreateTime, 0).UTC(),
		Metadata:    map[string]string{models.MetaRawType: in.MsgType},
	}, nil
}

func mapInbound(in *inboundMessage) (models.MessageType, string) {
	switch in.MsgType {
	case "text":
		return models.MessageTypeText, in.Content
	case "image":
		if in.PicURL != "" {
			return models.MessageTypeImage, in.PicURL
		}
		return models.MessageTypeImage, in.MediaID
	case "voice":
		return models.MessageTypeAudio, in.MediaID
	case "video", "shortvideo":
		return models.MessageTypeVideo, in.MediaID
	case "location":
		return models.MessageTypeText, fmt.Sprintf("[location] %s (%s,%s)", in.Label, in.LocationX, in.LocationY)
	case "link":
		return models.MessageTypeText, fmt.Sprintf("[link] %s %s", in.Title, in.URL)
	default:
		return models.MessageTypeText, fmt.Sprintf("[unsupported %s message]", in.MsgType)
	}
}

type apiResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MsgID   int64  `json:"msgid"`
}

// SendMessage posts one customer-service send call using the cached
// access token. A stale-token response invalidates the cache and retries
// once with fresh credentials inside the same attempt.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.SendResult, error) {
	a.mu.RLock()
	configured := a.appID != "" && a.appSecret != ""
	a.mu.RUnlock()

	if !configured {
		return models.SendFailure(models.ErrCodeNotConfigured, "wechat app credentials not configured", false), nil
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

func (a *Adapter) postMessage(ctx context.Context, token string, msg *models.ChatMessage) (*models.SendResult, bool) {
	payload := map[string]interface{}{"touser": msg.ReceiverID}
	switch msg.MessageType {
	case models.MessageTypeImage:
		payload["msgtype"] = "image"
		payload["image"] = map[string]string{"media_id": msg.Content}
	default:
		payload["msgtype"] = "text"
		payload["text"] = map[string]string{"content": msg.Content}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.SendFailure(models.ErrCodeBadRequest, err.Error(), false), false
	}

	a.mu.RLock()
	endpoint := fmt.Sprintf("%s/cgi-bin/message/custom/send?access_token=%s", a.baseURL, url.QueryEscape(token))
	a.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.SendFailure(models.ErrCodeBadRequest, err.Error(), false), false
	}
	req.Header.Set("Content-Type", "application/json")

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
	case api.ErrCode == 0:
		return models.SendSuccess(strconv.FormatInt(api.MsgID, 10)), false
	case tokenInvalidCodes[api.ErrCode]:
		return models.SendFailure(models.ErrCodeAuthFailed, api.ErrMsg, true), true
	case api.ErrCode == 45011 || resp.StatusCode == http.StatusTooManyRequests:
		return models.SendFailure(models.ErrCodeRateLimited, api.ErrMsg, true), false
	case api.ErrCode == -1 || resp.StatusCode >= 500:
		// -1 is WeChat's "system busy", documented as retry-later.
		return models.SendFailure(models.ErrCodePlatformError, api.ErrMsg, true), false
	default:
		return models.SendFailure(models.ErrCodeBadRequest,
			fmt.Sprintf("wechat api error %d: %s", api.ErrCode, api.ErrMsg), false), false
	}
}

// fetchToken exchanges app credentials for an access token.
func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	a.mu.RLock()
	endpoint := fmt.Sprintf("%s/cgi-bin/token?grant_type=client_credential&appid=%s&secret=%s",
		a.baseURL, url.QueryEscape(a.appID), url.QueryEscape(a.appSecret))
	a.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, err
	}

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
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", 0, fmt.Errorf("undecodable token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token exchange rejected: code %d: %s", tr.ErrCode, tr.ErrMsg)
	}

	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

func signatureEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func invalid(reason string) *models.WebhookValidationResult {
	return &models.WebhookValidationResult{IsValid: false, ErrorMessage: reason}
}
