package features

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Optional behaviors toggled at process start. Everything defaults off.
const (
	// FlagEchoMode answers every inbound message with its own content.
	FlagEchoMode = "echo_mode"
	// FlagQueueCleanup enables periodic pruning of completed queue rows.
	FlagQueueCleanup = "queue_cleanup"
	// FlagStrictWebhooks rejects webhooks for platforms whose verification
	// credential is missing instead of accepting them with a warning.
	FlagStrictWebhooks = "strict_webhooks"
)

// envVar lists enabled flags as a comma-separated set.
const envVar = "CHATGATEWAY_FEATURES"

// Flags is an immutable-after-construction feature flag set.
type Flags struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// FromEnv builds the flag set from CHATGATEWAY_FEATURES, e.g.
// "echo_mode,queue_cleanup". Unknown names are kept; they simply never
// get consulted.
func FromEnv() *Flags {
	return FromList(os.Getenv(envVar))
}

// FromList builds a flag set from a comma-separated list.
func FromList(list string) *Flags {
	enabled := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			enabled[name] = true
		}
	}
	return &Flags{enabled: enabled}
}

// IsEnabled reports whether a flag is on.
func (f *Flags) IsEnabled(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled[name]
}

// Set flips one flag at runtime.
func (f *Flags) Set(name string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.enabled[name] = true
	} else {
		delete(f.enabled, name)
	}
}

// Enabled returns the enabled flag names, sorted.
func (f *Flags) Enabled() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.enabled))
	for name := range f.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
