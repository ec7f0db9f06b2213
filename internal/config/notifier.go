package config

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatgateway/internal/models"
)

// WildcardPlatform subscribes a handler to every platform's events.
const WildcardPlatform = "*"

// Notifier fans config change events out to subscribers. Delivery is
// synchronous in registration order; a panicking handler is isolated so
// it cannot take down the watcher loop or starve other subscribers.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string][]func(models.ConfigChangeEvent)
	logger      *logrus.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *logrus.Logger) *Notifier {
	return &Notifier{
		subscribers: make(map[string][]func(models.ConfigChangeEvent)),
		logger:      logger,
	}
}

// Subscribe registers a handler for one platform's change events, or for
// all platforms when platform is empty or WildcardPlatform.
func (n *Notifier) Subscribe(platform string, handler func(models.ConfigChangeEvent)) {
	if platform == "" {
		platform = WildcardPlatform
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[platform] = append(n.subscribers[platform], handler)
}

// Publish delivers an event to the platform's subscribers and then the
// wildcard subscribers.
func (n *Notifier) Publish(platform string, changeType models.ConfigChangeType) {
	event := models.ConfigChangeEvent{
		Platform:   platform,
		ChangeType: changeType,
		Timestamp:  time.Now().UTC(),
	}

	n.mu.RLock()
	handlers := make([]func(models.ConfigChangeEvent), 0,
		len(n.subscribers[platform])+len(n.subscribers[WildcardPlatform]))
	handlers = append(handlers, n.subscribers[platform]...)
	handlers = append(handlers, n.subscribers[WildcardPlatform]...)
	n.mu.RUnlock()

	for _, handler := range handlers {
		n.deliver(handler, event)
	}
}

func (n *Notifier) deliver(handler func(models.ConfigChangeEvent), event models.ConfigChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.WithFields(logrus.Fields{
				"platform": event.Platform,
				"change":   event.ChangeType,
				"panic":    r,
			}).Error("Config change subscriber panicked")
		}
	}()
	handler(event)
}
