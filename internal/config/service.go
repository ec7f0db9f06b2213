package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
)

// ProviderStore is the persistence surface the service needs; implemented
// by the database layer.
type ProviderStore interface {
	SaveProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error
	GetProviderConfig(ctx context.Context, platform string) (*models.ProviderConfig, error)
	ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error)
	DeleteProviderConfig(ctx context.Context, platform string) error
}

// requiredFields lists the ConfigData keys each platform needs before it
// can send. Unknown platforms only get the structural JSON check.
var requiredFields = map[string][]string{
	"slack":  {"botToken", "signingSecret"},
	"feishu": {"appId", "appSecret"},
	"wechat": {"appId", "appSecret", "token", "encodingAesKey"},
}

// Service is the only mutation path for provider configs. Writes are
// validated, persisted encrypted, and announced so live adapters pick
// them up without waiting for the next watcher poll.
type Service struct {
	store    ProviderStore
	notifier *Notifier
	watcher  *Watcher
	logger   *logrus.Logger
}

// NewService wires the configuration service.
func NewService(store ProviderStore, notifier *Notifier, logger *logrus.Logger) *Service {
	return &Service{store: store, notifier: notifier, logger: logger}
}

// AttachWatcher routes this service's change events through the watcher's
// snapshot, so an in-process save is announced once and not again when
// the watcher's next poll sees the same content.
func (s *Service) AttachWatcher(w *Watcher) {
	s.watcher = w
}

func (s *Service) publish(platform string, change models.ConfigChangeType, cfg *models.ProviderConfig) {
	if s.watcher != nil {
		s.watcher.Record(platform, change, cfg)
		return
	}
	s.notifier.Publish(platform, change)
}

// Validate checks the structural fields, ConfigData shape, and the
// platform's required fields. Structural errors reject a save; a missing
// field only flags the result as invalid, so operators may stage partial
// configs.
func (s *Service) Validate(cfg *models.ProviderConfig) *models.ConfigValidationResult {
	result := &models.ConfigValidationResult{Platform: cfg.Platform, Valid: true}

	if cfg.Platform == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "platform key must not be empty")
		return result
	}
	if cfg.MessageInterval < 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "message interval must not be negative")
	}
	if cfg.MaxRetryCount < 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "max retry count must not be negative")
	}
	if cfg.WebhookURL != "" {
		if u, err := url.Parse(cfg.WebhookURL); err != nil || u.Host == "" ||
			(u.Scheme != "http" && u.Scheme != "https") {
			result.Valid = false
			result.Errors = append(result.Errors, "webhook URL must be an absolute http(s) URL")
		}
	}
	if len(result.Errors) > 0 {
		return result
	}

	if cfg.DisplayName == "" {
		result.Valid = false
		result.MissingFields = append(result.MissingFields, "displayName")
	}

	var data map[string]interface{}
	if cfg.ConfigData == "" {
		data = map[string]interface{}{}
	} else if err := json.Unmarshal([]byte(cfg.ConfigData), &data); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("config data is not valid JSON: %v", err))
		return result
	}

	for _, field := range requiredFields[cfg.Platform] {
		if v, ok := data[field].(string); !ok || v == "" {
			result.Valid = false
			result.MissingFields = append(result.MissingFields, field)
		}
	}
	return result
}

// Save validates and persists a provider config, then publishes Created
// or Updated. Structurally broken configs (non-JSON ConfigData, negative
// intervals, malformed webhook URL) are rejected; configs that merely
// miss fields are stored and flagged in the returned result.
func (s *Service) Save(ctx context.Context, cfg *models.ProviderConfig) (*models.ConfigValidationResult, error) {
	result := s.Validate(cfg)
	if len(result.Errors) > 0 {
		return result, models.ConfigError{Message: result.Errors[0]}
	}

	existing, err := s.store.GetProviderConfig(ctx, cfg.Platform)
	if err != nil {
		return result, err
	}

	if err := s.store.SaveProviderConfig(ctx, cfg); err != nil {
		return result, err
	}

	changeType := models.ConfigChangeUpdated
	if existing == nil {
		changeType = models.ConfigChangeCreated
	}
	s.publish(cfg.Platform, changeType, cfg)

	s.logger.WithFields(logrus.Fields{
		"platform": cfg.Platform,
		"change":   changeType,
		"valid":    result.Valid,
	}).Info("Provider config saved")
	return result, nil
}

// Get returns the decrypted config for a platform, or (nil, nil) when
// none is stored.
func (s *Service) Get(ctx context.Context, platform string) (*models.ProviderConfig, error) {
	return s.store.GetProviderConfig(ctx, platform)
}

// List returns every stored config.
func (s *Service) List(ctx context.Context) ([]models.ProviderConfig, error) {
	return s.store.ListProviderConfigs(ctx)
}

// Delete removes a platform's config and publishes Deleted.
func (s *Service) Delete(ctx context.Context, platform string) error {
	if err := s.store.DeleteProviderConfig(ctx, platform); err != nil {
		return err
	}
	s.publish(platform, models.ConfigChangeDeleted, nil)
	s.logger.WithField("platform", platform).Info("Provider config deleted")
	return nil
}

// ValidateAll checks every stored config. Used at startup: failures are
// reported, never fatal, so the gateway serves whatever platforms are
// correctly configured.
func (s *Service) ValidateAll(ctx context.Context) ([]models.ConfigValidationResult, error) {
	configs, err := s.store.ListProviderConfigs(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]models.ConfigValidationResult, 0, len(configs))
	for i := range configs {
		result := s.Validate(&configs[i])
		if !result.Valid {
			s.logger.WithFields(logrus.Fields{
				"platform": result.Platform,
				"missing":  result.MissingFields,
				"errors":   result.Errors,
			}).Warn("Provider config incomplete")
		}
		results = append(results, *result)
	}
	return results, nil
}
