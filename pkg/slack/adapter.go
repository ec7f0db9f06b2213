package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"chatgateway/internal/models"
	"chatgateway/pkg/adapter"
)

const PlatformID = "slack"

// Config is the platform secret blob stored (encrypted) in ConfigData.
type Config struct {
	BotToken        string   `json:"botToken"`
	SigningSecret   string   `json:"signingSecret"`
	IgnoredSubtypes []string `json:"ignoredSubtypes,omitempty"`
}

// defaultIgnoredSubtypes drops bot echoes and channel housekeeping
// events that would otherwise loop back through the gateway.
var defaultIgnoredSubtypes = []string{
	"bot_message",
	"message_changed",
	"message_deleted",
	"channel_join",
	"channel_leave",
	"channel_topic",
	"channel_purpose",
	"thread_broadcast",
}

// Adapter implements the platform contract for Slack. Inbound events
// arrive via the Events API; outbound replies go through chat.postMessage.
type Adapter struct {
	mu              sync.RWMutex
	client          *slackapi.Client
	botUserID       string
	signingSecret   string
	ignoredSubtypes map[string]bool

	pacer        *adapter.Pacer
	toleranceSec int64
	logger       *logrus.Logger
}

// New creates an unconfigured Slack adapter. toleranceSec bounds the
// accepted clock skew on signed requests; zero means the 300s default.
func New(logger *logrus.Logger, toleranceSec int) *Adapter {
	if toleranceSec <= 0 {
		toleranceSec = 300
	}
	return &Adapter{
		ignoredSubtypes: subtypeSet(nil),
		pacer:           adapter.NewPacer(0),
		toleranceSec:    int64(toleranceSec),
		logger:          logger,
	}
}

func (a *Adapter) PlatformID() string  { return PlatformID }
func (a *Adapter) DisplayName() string { return "Slack" }

// SupportedTypes: Slack renders text natively and images as image blocks.
func (a *Adapter) SupportedTypes() []models.MessageType {
	return []models.MessageType{models.MessageTypeText, models.MessageTypeImage}
}

// Initialize applies configuration and runs an auth.test identity check
// to learn the bot's own user id, which parsing uses to drop self-echoes.
// A missing token is a warning, not an error: parsing and webhook
// validation still work, sends fail NOT_CONFIGURED until configured.
func (a *Adapter) Initialize(ctx context.Context, cfg *models.ProviderConfig) error {
	if err := a.ApplyConfig(ctx, cfg); err != nil {
		return err
	}

	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		a.logger.Warn("Slack adapter initialized without a bot token; sending disabled until configured")
		return nil
	}

	identity, err := client.AuthTestContext(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("Slack auth.test failed; self-echo filtering unavailable")
		return nil
	}

	a.mu.Lock()
	a.botUserID = identity.UserID
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"bot_user": identity.UserID,
		"team":     identity.Team,
	}).Info("Slack adapter initialized")
	return nil
}

// ApplyConfig swaps in new credentials at runtime.
func (a *Adapter) ApplyConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil provider config")
	}

	var pc Config
	if cfg.ConfigData != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigData), &pc); err != nil {
			return fmt.Errorf("failed to parse slack config: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.signingSecret = pc.SigningSecret
	a.ignoredSubtypes = subtypeSet(pc.IgnoredSubtypes)
	if pc.BotToken != "" {
		a.client = slackapi.New(pc.BotToken)
	} else {
		a.client = nil
		a.botUserID = ""
	}
	a.pacer.SetInterval(time.Duration(cfg.MessageInterval) * time.Millisecond)

	return nil
}

// ResetToDefaults drops credentials; subsequent sends fail NOT_CONFIGURED.
func (a *Adapter) ResetToDefaults(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	a.botUserID = ""
	a.signingSecret = ""
	a.ignoredSubtypes = subtypeSet(nil)
	a.pacer.SetInterval(0)
	return nil
}

// ValidateWebhook checks the v0 request signature:
//
//	v0=hex(HMAC_SHA256(secret, "v0:{timestamp}:{body}"))
//
// with constant-time comparison and replay protection on the timestamp.
// url_verification handshakes are answered without a signature check on
// that payload shape. A missing signing secret skips verification with a
// warning rather than rejecting all traffic.
func (a *Adapter) ValidateWebhook(ctx context.Context, req *adapter.WebhookRequest) (*models.WebhookValidationResult, error) {
	if challenge, ok := urlVerificationChallenge(req.Body); ok {
		return &models.WebhookValidationResult{IsValid: true, Challenge: challenge}, nil
	}

	a.mu.RLock()
	secret := a.signingSecret
	a.mu.RUnlock()

	if secret == "" {
		a.logger.Warn("Slack signing secret not configured; skipping webhook signature verification")
		return &models.WebhookValidationResult{IsValid: true, SkippedVerification: true}, nil
	}

	tsHeader := req.Header("X-Slack-Request-Timestamp")
	signature := req.Header("X-Slack-Signature")
	if tsHeader == "" || signature == "" {
		return invalid("missing signature headers"), nil
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return invalid("malformed timestamp header"), nil
	}
	if skew := time.Now().Unix() - ts; skew > a.toleranceSec || skew < -a.toleranceSec {
		return invalid("request timestamp outside tolerance"), nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", tsHeader, req.Body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return invalid("signature mismatch"), nil
	}

	return &models.WebhookValidationResult{IsValid: true}, nil
}

// ParseMessage normalizes an Events API callback. Returns (nil, nil) for
// authentic traffic that is not a deliverable user message: ignored
// subtypes, bot-originated messages, the bot's own echoes, and plain
// channel messages (channel traffic is delivered via app_mention instead,
// so processing both would duplicate it).
func (a *Adapter) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	event, err := slackevents.ParseEvent(json.RawMessage(raw), slackevents.OptionNoVerifyToken())
	if err != nil {
		a.logger.WithError(err).Debug("Unparseable Slack payload dropped")
		return nil, nil
	}
	if event.Type != slackevents.CallbackEvent {
		return nil, nil
	}

	a.mu.RLock()
	botUserID := a.botUserID
	ignored := a.ignoredSubtypes
	a.mu.RUnlock()

	switch inner := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ignored[inner.SubType] || inner.BotID != "" {
			return nil, nil
		}
		if botUserID != "" && inner.User == botUserID {
			return nil, nil
		}
		// Only direct messages arrive through the message event;
		// channel-wide traffic is handled via app_mention.
		if inner.ChannelType != "im" {
			return nil, nil
		}
		msg := a.normalize(inner.User, inner.Channel, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp)
		msg.Metadata[models.MetaChannelType] = inner.ChannelType
		return msg, nil

	case *slackevents.AppMentionEvent:
		if inner.BotID != "" || (botUserID != "" && inner.User == botUserID) {
			return nil, nil
		}
		msg := a.normalize(inner.User, inner.Channel, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp)
		msg.Metadata[models.MetaEventType] = "app_mention"
		return msg, nil
	}

	return nil, nil
}

func (a *Adapter) normalize(user, channel, text, ts, threadTS string) *models.ChatMessage {
	if threadTS == "" {
		threadTS = ts
	}
	return &models.ChatMessage{
		MessageID:   ts,
		SenderID:    user,
		ReceiverID:  channel,
		Content:     text,
		MessageType: models.MessageTypeText,
		Platform:    PlatformID,
		Timestamp:   slackTimestamp(ts),
		Metadata:    map[string]string{models.MetaThreadID: threadTS},
	}
}

// SendMessage posts one chat.postMessage call. Unsupported content is
// degraded to text first. Rate limits and 5xx map to retryable results;
// auth and argument errors are terminal.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.SendResult, error) {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()

	if client == nil {
		return models.SendFailure(models.ErrCodeNotConfigured, "slack bot token not configured", false), nil
	}
	if msg == nil || msg.ReceiverID == "" {
		return models.SendFailure(models.ErrCodeBadRequest, "missing receiver id", false), nil
	}

	msg = adapter.Degrade(msg, a.SupportedTypes())

	if err := a.pacer.Wait(ctx); err != nil {
		return models.SendFailure(models.ErrCodeCancelled, err.Error(), false), nil
	}

	opts := []slackapi.MsgOption{}
	switch msg.MessageType {
	case models.MessageTypeImage:
		opts = append(opts, slackapi.MsgOptionBlocks(
			slackapi.NewImageBlock(msg.Content, "image", "", nil),
		))
	default:
		opts = append(opts, slackapi.MsgOptionText(msg.Content, false))
	}
	if threadTS := msg.Meta(models.MetaThreadID); threadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadTS))
	}

	_, ts, err := client.PostMessageContext(ctx, msg.ReceiverID, opts...)
	if err != nil {
		return classifySendError(err), nil
	}

	return models.SendSuccess(ts), nil
}

func classifySendError(err error) *models.SendResult {
	var rateLimited *slackapi.RateLimitedError
	if errors.As(err, &rateLimited) {
		return models.SendFailure(models.ErrCodeRateLimited, err.Error(), true)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.SendFailure(models.ErrCodeCancelled, err.Error(), false)
	}

	switch err.Error() {
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed":
		return models.SendFailure(models.ErrCodeAuthFailed, err.Error(), false)
	case "channel_not_found", "is_archived", "msg_too_long", "invalid_blocks", "no_text":
		return models.SendFailure(models.ErrCodeBadRequest, err.Error(), false)
	case "internal_error", "fatal_error", "service_unavailable":
		return models.SendFailure(models.ErrCodePlatformError, err.Error(), true)
	}

	// Anything else from the HTTP layer is treated as transient.
	return models.SendFailure(models.ErrCodeNetworkError, err.Error(), true)
}

// urlVerificationChallenge detects the Events API ownership handshake.
func urlVerificationChallenge(body []byte) (string, bool) {
	var probe struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	if probe.Type != "url_verification" || probe.Challenge == "" {
		return "", false
	}
	return probe.Challenge, true
}

func subtypeSet(extra []string) map[string]bool {
	set := make(map[string]bool, len(defaultIgnoredSubtypes)+len(extra))
	for _, s := range defaultIgnoredSubtypes {
		set[s] = true
	}
	for _, s := range extra {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

func invalid(reason string) *models.WebhookValidationResult {
	return &models.WebhookValidationResult{IsValid: false, ErrorMessage: reason}
}

// slackTimestamp converts the "seconds.micros" event ts to time.Time,
// falling back to now when the tag is malformed.
func slackTimestamp(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Now().UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
