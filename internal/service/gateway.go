package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/features"
	"chatgateway/internal/models"
	"chatgateway/internal/privacy"
	"chatgateway/internal/retry"
	"chatgateway/pkg/adapter"
	"chatgateway/pkg/circuitbreaker"
)

// Circuit breaker settings for the outbound send path. A platform whose
// sends keep exhausting their retry budget gets a cool-down instead of
// hammering a degraded API.
const (
	breakerMaxFailures = 5
	breakerTimeout     = 30 * time.Second
)

// ErrUnknownPlatform is returned for webhook calls naming a platform no
// adapter is registered for.
var ErrUnknownPlatform = errors.New("unknown platform")

// Enqueuer is the queue surface the gateway needs for inbound traffic.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *models.QueuedMessage) error
}

// MessageHandler produces the reply for an inbound message. Owned by the
// embedding application, not this package; a nil reply means no response
// is sent.
type MessageHandler interface {
	Handle(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error)
}

// RetrySettings looks up per-platform retry overrides; implemented by the
// config service. Zero values fall back to the gateway defaults.
type RetrySettings interface {
	Get(ctx context.Context, platform string) (*models.ProviderConfig, error)
}

// InboundResult reports how an inbound webhook call was resolved.
type InboundResult struct {
	// Challenge, when non-empty, must be echoed verbatim to the caller.
	Challenge string
	// Enqueued is false for acknowledged-and-dropped traffic.
	Enqueued bool
	// QueueID is set when Enqueued is true.
	QueueID string
}

// Gateway drives both directions of the message flow: inbound webhook →
// validate → parse → enqueue, and dequeued item → handler → reply send
// with retry.
type Gateway struct {
	registry *Registry
	queue    Enqueuer
	handler  MessageHandler
	settings RetrySettings
	logger   *logrus.Logger

	defaultPolicy retry.Policy
	flags         *features.Flags

	breakerMu sync.Mutex
	breakers  map[string]*circuitbreaker.CircuitBreaker
}

// NewGateway wires the gateway. settings may be nil; handler may be nil
// for deployments that only ingest.
func NewGateway(registry *Registry, queue Enqueuer, handler MessageHandler, settings RetrySettings, policy retry.Policy, logger *logrus.Logger) *Gateway {
	return &Gateway{
		registry:      registry,
		queue:         queue,
		handler:       handler,
		settings:      settings,
		logger:        logger,
		defaultPolicy: policy,
		breakers:      make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// SetFeatureFlags installs the process feature flags. Optional; without
// it the gateway behaves as if every flag were off.
func (g *Gateway) SetFeatureFlags(flags *features.Flags) {
	g.flags = flags
}

// HandleInbound runs the inbound pipeline for one webhook call. A failed
// validation is an error; authentic-but-ignorable traffic acknowledges
// with Enqueued=false.
func (g *Gateway) HandleInbound(ctx context.Context, platform string, req *adapter.WebhookRequest) (*InboundResult, error) {
	ad, ok := g.registry.Get(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	validation, err := ad.ValidateWebhook(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("webhook validation errored: %w", err)
	}
	if !validation.IsValid {
		return nil, fmt.Errorf("webhook validation failed: %s", validation.ErrorMessage)
	}
	if validation.SkippedVerification && g.flags != nil && g.flags.IsEnabled(features.FlagStrictWebhooks) {
		return nil, fmt.Errorf("webhook validation failed: platform %s has no verification credential configured", platform)
	}
	if validation.Challenge != "" {
		g.logger.WithField("platform", platform).Info("Webhook verification handshake answered")
		return &InboundResult{Challenge: validation.Challenge}, nil
	}

	msg, err := ad.ParseMessage(ctx, req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg == nil {
		return &InboundResult{}, nil
	}

	item := &models.QueuedMessage{
		Message:      *msg,
		TargetUserID: msg.SenderID,
		Type:         models.QueueTypeIncoming,
	}
	if err := g.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"platform": platform,
		"queue_id": item.ID,
		"type":     msg.MessageType,
		"sender":   privacy.MaskUserID(msg.SenderID),
	}).Info("Inbound message enqueued")

	return &InboundResult{Enqueued: true, QueueID: item.ID}, nil
}

// Process handles one dequeued item: invoke the message handler and send
// its reply back through the originating platform. Used as the worker
// pool's ProcessFunc.
func (g *Gateway) Process(ctx context.Context, item *models.QueuedMessage) error {
	if g.handler == nil {
		return nil
	}

	reply, err := g.handler.Handle(ctx, &item.Message)
	if err != nil {
		return fmt.Errorf("message handler failed: %w", err)
	}
	if reply == nil {
		return nil
	}

	if reply.Platform == "" {
		reply.Platform = item.Message.Platform
	}
	if reply.ReceiverID == "" {
		reply.ReceiverID = item.Message.ReceiverID
	}

	result := g.Send(ctx, reply)
	if !result.Success {
		return fmt.Errorf("reply send failed (%s): %s", result.ErrorCode, result.ErrorMessage)
	}
	return nil
}

// Send delivers one outbound message through its platform adapter under
// the retry policy. Per-platform MaxRetryCount overrides the default
// when configured.
func (g *Gateway) Send(ctx context.Context, msg *models.ChatMessage) *models.SendResult {
	ad, ok := g.registry.Get(msg.Platform)
	if !ok {
		return models.SendFailure(models.ErrCodeNotConfigured,
			fmt.Sprintf("no adapter registered for platform %q", msg.Platform), false)
	}

	var result *models.SendResult
	err := g.breakerFor(msg.Platform).Execute(ctx, func(ctx context.Context) error {
		policy := g.policyFor(ctx, msg.Platform)
		result = policy.Do(ctx, g.logger, func(ctx context.Context) (*models.SendResult, error) {
			return ad.SendMessage(ctx, msg)
		})
		// Only transient trouble counts toward tripping: a single bad
		// message must not shut the platform down.
		if !result.Success && (result.ShouldRetry || result.ErrorCode == models.ErrCodeMaxRetriesExceeded) {
			return errors.New(result.ErrorMessage)
		}
		return nil
	})
	if circuitbreaker.IsOpenError(err) {
		return models.SendFailure(models.ErrCodePlatformError, err.Error(), true)
	}

	if result.Success {
		g.logger.WithFields(logrus.Fields{
			"platform":   msg.Platform,
			"message_id": privacy.MaskMessageID(result.PlatformMessageID),
			"receiver":   privacy.MaskChannelID(msg.ReceiverID),
		}).Info("Outbound message sent")
	} else {
		g.logger.WithFields(logrus.Fields{
			"platform":   msg.Platform,
			"error_code": result.ErrorCode,
		}).Warn("Outbound message failed")
	}
	return result
}

func (g *Gateway) breakerFor(platform string) *circuitbreaker.CircuitBreaker {
	g.breakerMu.Lock()
	defer g.breakerMu.Unlock()
	cb, ok := g.breakers[platform]
	if !ok {
		cb = circuitbreaker.NewWithLogger("send_"+platform, breakerMaxFailures, breakerTimeout, g.logger)
		g.breakers[platform] = cb
	}
	return cb
}

func (g *Gateway) policyFor(ctx context.Context, platform string) retry.Policy {
	policy := g.defaultPolicy
	if g.settings == nil {
		return policy
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cfg, err := g.settings.Get(lookupCtx, platform)
	if err != nil || cfg == nil {
		return policy
	}
	if cfg.MaxRetryCount > 0 {
		policy.MaxRetries = cfg.MaxRetryCount
	}
	return policy
}
