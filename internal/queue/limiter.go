package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per caller identity. The map lock is
// narrow: taking a token happens on the caller's own limiter, so two
// different callers never contend beyond the lookup.
type limiterSet struct {
	capacity int
	refill   rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(capacity int, refillPerSec float64) *limiterSet {
	return &limiterSet{
		capacity: capacity,
		refill:   rate.Limit(refillPerSec),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (ls *limiterSet) limiter(caller string) *rate.Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	lim, ok := ls.limiters[caller]
	if !ok {
		lim = rate.NewLimiter(ls.refill, ls.capacity)
		ls.limiters[caller] = lim
	}
	return lim
}

// take consumes one token for the caller. When the bucket is empty it
// returns ok=false with the wait until the next refill.
func (ls *limiterSet) take(caller string) (retryAfter time.Duration, ok bool) {
	r := ls.limiter(caller).Reserve()
	if !r.OK() {
		return time.Second, false
	}
	if d := r.Delay(); d > 0 {
		// Not admissible now; hand the token back and tell the caller
		// when to retry.
		r.Cancel()
		return d, false
	}
	return 0, true
}
