package config

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
	"chatgateway/pkg/adapter"
)

// AdapterLookup resolves a platform key to its live adapter instance.
type AdapterLookup interface {
	Get(platform string) (adapter.Adapter, bool)
}

// Applicator turns config change events into adapter reconfiguration:
// Created/Updated/Reloaded fetch the fresh config and apply it; Deleted
// falls back to environment defaults when present, otherwise resets the
// adapter to its unconfigured state.
type Applicator struct {
	service  *Service
	adapters AdapterLookup
	defaults *PlatformDefaults
	logger   *logrus.Logger
	timeout  time.Duration
}

// NewApplicator wires the hot-reload applicator. defaults may be nil.
func NewApplicator(service *Service, adapters AdapterLookup, defaults *PlatformDefaults, logger *logrus.Logger) *Applicator {
	return &Applicator{
		service:  service,
		adapters: adapters,
		defaults: defaults,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// Register subscribes the applicator to all platforms' change events.
func (a *Applicator) Register(notifier *Notifier) {
	notifier.Subscribe(WildcardPlatform, a.handle)
}

// ApplyAll eagerly configures every registered adapter from the store.
// Called at startup before traffic is accepted. Per-platform failures
// are logged and skipped, never fatal.
func (a *Applicator) ApplyAll(ctx context.Context, platforms []string) {
	for _, platform := range platforms {
		ad, ok := a.adapters.Get(platform)
		if !ok {
			continue
		}

		cfg, err := a.resolveConfig(ctx, platform)
		if err != nil {
			a.logger.WithError(err).WithField("platform", platform).Warn("Failed to load provider config at startup")
			continue
		}
		if cfg == nil {
			a.logger.WithField("platform", platform).Info("No provider config stored; adapter stays unconfigured")
			continue
		}

		if err := ad.Initialize(ctx, cfg); err != nil {
			a.logger.WithError(err).WithField("platform", platform).Warn("Adapter initialization failed")
		}
	}
}

func (a *Applicator) handle(event models.ConfigChangeEvent) {
	ad, ok := a.adapters.Get(event.Platform)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	log := a.logger.WithFields(logrus.Fields{
		"platform": event.Platform,
		"change":   event.ChangeType,
	})

	switch event.ChangeType {
	case models.ConfigChangeCreated, models.ConfigChangeUpdated, models.ConfigChangeReloaded:
		cfg, err := a.service.Get(ctx, event.Platform)
		if err != nil {
			log.WithError(err).Error("Failed to fetch provider config for hot reload")
			return
		}
		if cfg == nil {
			// Raced with a delete; the Deleted event will follow.
			return
		}
		if err := ad.ApplyConfig(ctx, cfg); err != nil {
			log.WithError(err).Error("Failed to apply provider config")
			return
		}
		log.Info("Provider config applied")

	case models.ConfigChangeDeleted:
		if a.defaults != nil {
			if cfg := a.defaults.ProviderConfig(event.Platform); cfg != nil {
				if err := ad.ApplyConfig(ctx, cfg); err == nil {
					log.Info("Provider config deleted; environment defaults applied")
					return
				}
			}
		}
		if err := ad.ResetToDefaults(ctx); err != nil {
			log.WithError(err).Error("Failed to reset adapter")
			return
		}
		log.Info("Provider config deleted; adapter reset")
	}
}

// resolveConfig prefers the stored config and falls back to environment
// defaults.
func (a *Applicator) resolveConfig(ctx context.Context, platform string) (*models.ProviderConfig, error) {
	cfg, err := a.service.Get(ctx, platform)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	if a.defaults != nil {
		return a.defaults.ProviderConfig(platform), nil
	}
	return nil, nil
}
