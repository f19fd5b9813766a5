// Package rate provides an in-process keyed token-bucket limiter used to
// throttle login and password-reset attempts per email and per client IP.
// It complements, not replaces, the persistent lockout counters: the
// limiter absorbs bursts, the lockout handles sustained abuse.
package rate

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned when a key has exhausted its burst budget.
var ErrLimited = errors.New("rate limited")

const defaultMaxEntries = 65536

// Config tunes one keyed limiter.
type Config struct {
	// PerMinute is the sustained refill rate per key.
	PerMinute float64
	// Burst is the instantaneous budget per key.
	Burst int
	// MaxEntries bounds limiter memory; the oldest-idle entries are
	// evicted past it. Zero means the default.
	MaxEntries int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter maintains one token bucket per key. Safe for concurrent
// use.
type KeyedLimiter struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	now     func() time.Time
}

// NewKeyed returns a KeyedLimiter, or nil when cfg.PerMinute is zero,
// which disables throttling. A nil KeyedLimiter allows everything.
func NewKeyed(cfg Config) *KeyedLimiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}

	return &KeyedLimiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow consumes one token for key. Empty keys are never throttled so a
// missing client IP does not collapse all callers into one bucket.
func (k *KeyedLimiter) Allow(key string) error {
	if k == nil || key == "" {
		return nil
	}

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		if len(k.entries) >= k.cfg.MaxEntries {
			k.evictOldestLocked()
		}
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(k.cfg.PerMinute/60.0), k.cfg.Burst),
		}
		k.entries[key] = e
	}
	e.lastSeen = k.now()
	limiter := e.limiter
	k.mu.Unlock()

	if !limiter.Allow() {
		return ErrLimited
	}
	return nil
}

// Reset drops the bucket for key, restoring its full burst. Called after
// a successful login so a legitimate user is not penalized by their own
// earlier typos.
func (k *KeyedLimiter) Reset(key string) {
	if k == nil || key == "" {
		return
	}

	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

// Len reports the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	if k == nil {
		return 0
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *KeyedLimiter) evictOldestLocked() {
	var (
		oldestKey  string
		oldestSeen time.Time
	)
	for key, e := range k.entries {
		if oldestKey == "" || e.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = e.lastSeen
		}
	}
	if oldestKey != "" {
		delete(k.entries, oldestKey)
	}
}
