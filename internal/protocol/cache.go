package protocol

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lankv/lankv/internal/identity"
)

// ReplayTTL is how long a (signer, uid) pair is remembered for replay
// suppression, spec.md §4.4.
const ReplayTTL = 24 * time.Hour

// MaxKeyDistAge is the default age beyond which a key-distribution message
// is discarded regardless of replay-cache state, spec.md §4.4. Operators may
// override it via key_distribution.max_message_age_hours; see TooOld.
const MaxKeyDistAge = 24 * time.Hour

// MessageCache deduplicates key-distribution messages by (signer, uid),
// bounding memory with both a TTL and a max entry count. Grounded in the
// teacher's internal/gossip digest/seen-set bookkeeping, generalized from an
// in-process map to hashicorp/golang-lru's expirable cache.
type MessageCache struct {
	seen *lru.LRU[string, struct{}]
}

// NewMessageCache builds a cache holding up to maxEntries keys for ReplayTTL.
func NewMessageCache(maxEntries int) *MessageCache {
	return &MessageCache{seen: lru.NewLRU[string, struct{}](maxEntries, nil, ReplayTTL)}
}

func cacheKey(signer identity.PeerID, uid string) string {
	return fmt.Sprintf("%s:%s", signer, uid)
}

// SeenBefore reports whether (signer, uid) was already recorded, and records
// it if not. The lookup and the insert are two separate cache calls, not one
// atomic step; callers run it from the single event loop.
func (c *MessageCache) SeenBefore(signer identity.PeerID, uid string) bool {
	key := cacheKey(signer, uid)
	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// TooOld reports whether a key-distribution message's timestamp falls
// outside the [now-maxAge, now+maxAge] window the security gate admits,
// guarding against both stale replays and clock-skewed future timestamps.
// maxAge <= 0 falls back to MaxKeyDistAge.
func TooOld(timestamp, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = MaxKeyDistAge
	}
	age := now.Sub(timestamp)
	return age > maxAge || age < -maxAge
}
