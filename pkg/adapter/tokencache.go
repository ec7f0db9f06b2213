package adapter

import (
	"context"
	"sync"
	"time"
)

// TokenFetcher obtains a fresh access token and its lifetime from the
// platform's auth endpoint.
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenCache holds one platform access token per adapter instance.
// Tokens are never shared across instances: two adapters configured with
// different credentials must not see each other's tokens. The mutex is
// held across the fetch, so concurrent senders hitting an expired cache
// queue behind a single refresh instead of each fetching their own.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time

	// skew is subtracted from the advertised lifetime so a token is
	// refreshed before the platform rejects it.
	skew time.Duration
}

// NewTokenCache returns a cache that refreshes tokens skew before their
// advertised expiry.
func NewTokenCache(skew time.Duration) *TokenCache {
	return &TokenCache{skew: skew}
}

// Get returns the cached token, fetching a new one when the cache is
// empty or expired.
func (c *TokenCache) Get(ctx context.Context, fetch TokenFetcher) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	token, expiresIn, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expiresAt = time.Now().Add(expiresIn - c.skew)
	return token, nil
}

// Invalidate drops the cached token. Called when the platform answers a
// send with an auth failure so the next Get fetches fresh credentials.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}
