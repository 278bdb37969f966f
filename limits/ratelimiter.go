package limits

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys is how many keys a MapLimiter tracks unless WithMaxKeys
// says otherwise.
const DefaultMaxKeys = 1 << 16

// fullSweepInterval spaces out the sweeps a full table triggers.
const fullSweepInterval = time.Second

// MapLimiter is a token bucket per key with a bounded key table.
//
// Keys idle for longer than the idle TTL are dropped. Once the table holds
// MaxKeys live buckets, unknown keys are refused until idle ones expire,
// so callers rotating through fresh keys cannot grow memory or escape the
// limit. Known keys keep their own budget either way.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	maxKeys int

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
	fullSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMapLimiter allows rps attempts per second per key with the given
// burst. It returns nil, which allows everything, if rps or burst is not
// positive. idleTTL defaults to ten minutes.
func NewMapLimiter(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		maxKeys: DefaultMaxKeys,
		buckets: make(map[string]*bucket),
	}
}

// WithMaxKeys caps the key table at n entries; n <= 0 restores
// DefaultMaxKeys. Call it before the limiter is shared.
func (l *MapLimiter) WithMaxKeys(n int) *MapLimiter {
	if l == nil {
		return nil
	}
	if n <= 0 {
		n = DefaultMaxKeys
	}
	l.maxKeys = n
	return l
}

// Allow reports whether key may make one more attempt at now. Blank keys
// share one bucket.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.nextSweep) {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			if now.Before(l.fullSweep) {
				return false
			}
			l.fullSweep = now.Add(fullSweepInterval)
			l.sweep(now)
			if len(l.buckets) >= l.maxKeys {
				return false
			}
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *MapLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	l.nextSweep = now.Add(l.idleTTL)
}

// Len returns the number of tracked keys.
func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
