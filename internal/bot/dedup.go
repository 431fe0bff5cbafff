// Package bot contains the webhook handler and the policies guarding it:
// delivery deduplication, per-sender rate limiting, and single-flight
// summary generation per group.
package bot

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultDedupTTL covers the gateway's redelivery window.
const DefaultDedupTTL = 4 * time.Minute

// Deduper remembers recently seen message IDs so gateway redeliveries are
// handled exactly once.
type Deduper struct {
	mu   sync.Mutex
	seen *ttlcache.Cache[string, struct{}]
}

func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
	)
	go cache.Start()
	return &Deduper{seen: cache}
}

// Seen reports whether id was already observed and records it if not. The
// check and the insert happen under one lock so two concurrent deliveries of
// the same message cannot both pass.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen.Has(id) {
		return true
	}
	d.seen.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (d *Deduper) Stop() {
	d.seen.Stop()
}
