package codes

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// cooldown allows one issuance per key per window. Buckets that have been
// idle for a full window are full again and get evicted.
type cooldown struct {
	window time.Duration
	limit  rate.Limit

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCooldown(window time.Duration) *cooldown {
	if window <= 0 {
		return nil
	}
	return &cooldown{
		window: window,
		limit:  rate.Every(window),
		byKey:  make(map[string]*bucket),
	}
}

// allow consumes the key's token at now. When the key is cooling down it
// returns false and the time left.
func (c *cooldown) allow(key string, now time.Time) (bool, time.Duration) {
	if c == nil {
		return true, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(c.limit, 1)}
		c.byKey[key] = b
	}
	b.lastSeen = now

	c.hits++
	if c.hits%256 == 0 {
		cutoff := now.Add(-c.window)
		for k, v := range c.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(c.byKey, k)
			}
		}
	}

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, c.remainingLocked(b, now)
}

// remaining reports how long key stays in cooldown without consuming.
func (c *cooldown) remaining(key string, now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byKey[key]
	if !ok {
		return 0
	}
	return c.remainingLocked(b, now)
}

func (c *cooldown) remainingLocked(b *bucket, now time.Time) time.Duration {
	missing := 1 - b.limiter.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(c.window))
}
