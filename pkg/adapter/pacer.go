package adapter

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces outbound sends so a platform's per-app message rate is not
// exceeded. Interval zero disables pacing.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	lastSend time.Time
}

// NewPacer returns a pacer enforcing at least interval between sends.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// SetInterval updates the pacing interval at runtime.
func (p *Pacer) SetInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = interval
}

// Wait blocks until the pacing gap since the previous send has elapsed,
// or the context is cancelled. On success the send slot is claimed.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	if p.interval <= 0 {
		p.lastSend = time.Now()
		p.mu.Unlock()
		return nil
	}

	next := p.lastSend.Add(p.interval)
	wait := time.Until(next)
	if wait <= 0 {
		p.lastSend = time.Now()
		p.mu.Unlock()
		return nil
	}

	// Claim the slot before sleeping so concurrent callers queue up
	// behind each other instead of all waking at once.
	p.lastSend = next
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
