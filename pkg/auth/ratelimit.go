package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether an authenticated request may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, id *Identity) error
}

// Tier is the request budget of a service tier.
type Tier struct {
	RequestsPerMinute int
	// Burst defaults to RequestsPerMinute.
	Burst int
}

// TierLimiter keeps one token bucket per subject and tier.
type TierLimiter struct {
	tiers map[string]Tier
	def   Tier

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewTierLimiter creates a limiter. Identities whose tier is not in tiers
// use def. A tier with RequestsPerMinute <= 0 is unlimited.
func NewTierLimiter(tiers map[string]Tier, def Tier) *TierLimiter {
	return &TierLimiter{
		tiers:   tiers,
		def:     def,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from the caller's bucket.
func (l *TierLimiter) Allow(_ context.Context, id *Identity) error {
	tier := tierOf(id)
	t, ok := l.tiers[tier]
	if !ok {
		t = l.def
	}
	if t.RequestsPerMinute <= 0 {
		return nil
	}

	key := id.Subject + ":" + tier
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		burst := t.Burst
		if burst <= 0 {
			burst = t.RequestsPerMinute
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(t.RequestsPerMinute)/60), burst)}
		l.buckets[key] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		return ErrTooManyRequests
	}
	return nil
}

// Sweep drops buckets unused for longer than idle and returns how many
// were dropped. A dropped bucket starts full on the next request.
func (l *TierLimiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (l *TierLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func tierOf(id *Identity) string {
	if id.Tier == "" {
		return "default"
	}
	return id.Tier
}
