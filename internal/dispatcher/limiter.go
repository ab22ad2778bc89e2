package dispatcher

import (
	"sync"

	"golang.org/x/time/rate"
)

// handoffLimiter gates per-node handoff attempts with a token bucket.
// A flapping node that keeps failing handoff should not be hammered
// every sweeper tick; once its bucket is dry, further attempts this
// tick are treated exactly like "no node available".
type handoffLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newHandoffLimiter(ratePerSecond float64, burst int) *handoffLimiter {
	return &handoffLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		b:        burst,
	}
}

func (l *handoffLimiter) allow(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[nodeID]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[nodeID] = lim
	}
	return lim.Allow()
}
