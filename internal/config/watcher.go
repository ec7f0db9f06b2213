package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
)

// Watcher polls the provider store and publishes change events for
// configs mutated outside this process (another replica, direct DB
// edits). In-process mutations are announced through Record, which folds
// them into the same snapshot so a change is published once no matter
// which side sees it first.
type Watcher struct {
	store    ProviderStore
	notifier *Notifier
	logger   *logrus.Logger
	interval time.Duration

	mu    sync.Mutex
	gen   uint64            // bumped by Record; invalidates in-flight polls
	known map[string]string // platform -> content hash
}

// NewWatcher creates a watcher polling at half the cache expiration, so
// a stale cache entry is refreshed at most one expiry late.
func NewWatcher(store ProviderStore, notifier *Notifier, logger *logrus.Logger, cacheExpiration time.Duration) *Watcher {
	interval := cacheExpiration / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &Watcher{
		store:    store,
		notifier: notifier,
		logger:   logger,
		interval: interval,
		known:    make(map[string]string),
	}
}

// Start seeds the snapshot and polls until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.seed(ctx); err != nil {
		return err
	}

	w.logger.WithField("interval", w.interval.String()).Info("Provider config watcher started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Provider config watcher stopping")
			return nil
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.WithError(err).Error("Provider config poll failed")
			}
		}
	}
}

// seed records the current store contents without publishing events:
// startup applies configs eagerly, so announcing them again would
// double-apply.
func (w *Watcher) seed(ctx context.Context) error {
	configs, err := w.store.ListProviderConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed config watcher: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range configs {
		w.known[configs[i].Platform] = contentHash(&configs[i])
	}
	return nil
}

// Record announces a mutation made through this process and folds it into
// the snapshot so the next poll does not announce it a second time. When a
// concurrent poll observed the new content first, the hash is already
// known and Record stays quiet, keeping delivery to exactly one event.
// cfg is nil for deletions.
func (w *Watcher) Record(platform string, change models.ConfigChangeType, cfg *models.ProviderConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++

	if change == models.ConfigChangeDeleted {
		if _, seen := w.known[platform]; !seen {
			return
		}
		delete(w.known, platform)
		w.notifier.Publish(platform, change)
		return
	}

	hash := contentHash(cfg)
	if w.known[platform] == hash {
		return
	}
	w.known[platform] = hash
	w.notifier.Publish(platform, change)
}

func (w *Watcher) poll(ctx context.Context) error {
	w.mu.Lock()
	startGen := w.gen
	w.mu.Unlock()

	configs, err := w.store.ListProviderConfigs(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// An in-process mutation landed while the listing was in flight; the
	// listing may predate it. Skip the cycle rather than diff a stale view.
	if w.gen != startGen {
		return nil
	}

	current := make(map[string]string, len(configs))
	for i := range configs {
		cfg := &configs[i]
		hash := contentHash(cfg)
		current[cfg.Platform] = hash

		previous, seen := w.known[cfg.Platform]
		switch {
		case !seen:
			w.notifier.Publish(cfg.Platform, models.ConfigChangeCreated)
		case previous != hash:
			w.notifier.Publish(cfg.Platform, models.ConfigChangeUpdated)
		}
	}

	for platform := range w.known {
		if _, still := current[platform]; !still {
			w.notifier.Publish(platform, models.ConfigChangeDeleted)
		}
	}

	w.known = current
	return nil
}

// contentHash digests the mutable fields of a config. UpdatedAt is
// deliberately excluded: a rewrite with identical content is not a
// change worth re-applying.
func contentHash(cfg *models.ProviderConfig) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%t|%s|%s|%d|%d",
		cfg.Platform,
		cfg.DisplayName,
		cfg.IsEnabled,
		cfg.ConfigData,
		cfg.WebhookURL,
		cfg.MessageInterval,
		cfg.MaxRetryCount,
	)))
	return hex.EncodeToString(sum[:])
}
