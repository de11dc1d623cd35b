package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MapLimiter applies a per-minute token bucket per string key and
// periodically evicts idle entries. Each call carries the key's own limit, so
// keys of different tiers share one map.
type MapLimiter struct {
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter   *rate.Limiter
	perMinute int
	lastSeen  time.Time
}

// New creates a key-based limiter. idleTTL <= 0 defaults to ten minutes.
func New(idleTTL time.Duration) *MapLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		byKey:   make(map[string]*entry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether one request can be admitted for key at now under a
// budget of perMinute requests. When it cannot, the returned duration is the
// wait until the next token. A nil limiter, blank key or non-positive budget
// always allows.
func (l *MapLimiter) Allow(key string, perMinute int, now time.Time) (bool, time.Duration) {
	if l == nil || perMinute <= 0 {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{
			limiter:   rate.NewLimiter(perMinuteLimit(perMinute), perMinute),
			perMinute: perMinute,
		}
		l.byKey[key] = e
	} else if e.perMinute != perMinute {
		e.limiter.SetLimitAt(now, perMinuteLimit(perMinute))
		e.limiter.SetBurstAt(now, perMinute)
		e.perMinute = perMinute
	}
	e.lastSeen = now

	var retryAfter time.Duration
	allowed := e.limiter.AllowN(now, 1)
	if !allowed {
		r := e.limiter.ReserveN(now, 1)
		retryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}

	l.hits++
	if l.hits%512 == 0 {
		l.evictLocked(now)
	}
	return allowed, retryAfter
}

// Len returns the number of tracked keys.
func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *MapLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}

func perMinuteLimit(perMinute int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(perMinute))
}
