package broadcast

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiters hands out one token bucket per key
type limiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func newLimiters(perSecond float64, burst int) *limiters {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &limiters{
		limit: rate.Limit(perSecond),
		burst: burst,
		byKey: make(map[string]*rate.Limiter),
	}
}

// allow takes a token for key. A zero rate disables limiting.
func (l *limiters) allow(key string) bool {
	if l == nil || l.limit <= 0 || key == "" {
		return true
	}
	l.mu.Lock()
	lim, ok := l.byKey[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byKey[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *limiters) forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.byKey, key)
	l.mu.Unlock()
}
