package bot

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RateLimiter allows at most max events per key within a sliding window.
// A denied event is not recorded, so a sender who keeps retrying while
// throttled does not push their own window forward.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   *ttlcache.Cache[string, []time.Time]
	now    func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	cache := ttlcache.New[string, []time.Time](
		ttlcache.WithTTL[string, []time.Time](window),
	)
	go cache.Start()
	return &RateLimiter{
		max:    max,
		window: window,
		hits:   cache,
		now:    time.Now,
	}
}

// Allow reports whether an event for key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var stamps []time.Time
	if item := r.hits.Get(key); item != nil {
		stamps = item.Value()
	}

	fresh := stamps[:0]
	for _, ts := range stamps {
		if now.Sub(ts) < r.window {
			fresh = append(fresh, ts)
		}
	}
	if len(fresh) >= r.max {
		r.hits.Set(key, fresh, ttlcache.DefaultTTL)
		return false
	}

	fresh = append(fresh, now)
	r.hits.Set(key, fresh, ttlcache.DefaultTTL)
	return true
}

func (r *RateLimiter) Stop() {
	r.hits.Stop()
}
