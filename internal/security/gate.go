// Package security implements lankv's admission gate: the checks every
// inbound envelope must clear before its payload reaches the store or trust
// db. Rate limiting and the blocklist follow spec.md §4.6; the token-bucket
// shape is grounded in the teacher's node.go rate-limiting-by-peer idiom,
// rebuilt here over hashicorp/golang-lru/v2/expirable so idle peers' buckets
// expire instead of accumulating forever.
package security

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/obs"
	"github.com/lankv/lankv/internal/protocol"
	"github.com/lankv/lankv/internal/signing"
	"github.com/lankv/lankv/internal/trust"
)

var log = obs.Logger("security")

var (
	// ErrRateLimited is returned when a peer has exhausted its token bucket.
	ErrRateLimited = errors.New("security: rate limited")
	// ErrTooLarge is returned when an envelope exceeds the configured size cap.
	ErrTooLarge = errors.New("security: message too large")
	// ErrNotAdmitted is returned when the sender is not whitelist-admitted.
	ErrNotAdmitted = errors.New("security: peer not admitted")
	// ErrUnknownSignerKey is returned when no public key is on file to verify against.
	ErrUnknownSignerKey = errors.New("security: no public key on file for signer")
	// ErrIdentityMismatch is returned when the envelope's transport peer and signer disagree.
	ErrIdentityMismatch = errors.New("security: transport identity does not match envelope signer")
	// ErrBlocked is returned for a peer on the in-memory blocklist.
	ErrBlocked = errors.New("security: peer is blocked")
	// ErrStaleKeyDist is returned for an over-age or replayed key-distribution message.
	ErrStaleKeyDist = errors.New("security: stale or replayed key-distribution message")
	// ErrConnectionCapExceeded is returned when an IP has too many open connections.
	ErrConnectionCapExceeded = errors.New("security: per-ip connection cap exceeded")
)

// Limits mirrors the subset of config.SecurityConfig the gate enforces.
// BlockedPeers and AllowedPeers are the config-time equivalents of
// original_source/src/security.rs's AccessControl.check_peer_allowed:
// BlockedPeers rejects unconditionally before any other check; AllowedPeers,
// when non-empty, additionally admits a peer even without a whitelist entry
// so an operator can authorize a fixed peer set by id alone.
type Limits struct {
	RateLimitPerMinute  uint32
	RateLimitBurst      uint32
	MaxMessageSize      uint32
	MaxConnectionsPerIP uint32
	BlockedPeers        []identity.PeerID
	AllowedPeers        []identity.PeerID
	// MaxKeyDistAge overrides protocol.MaxKeyDistAge for the stale/replay
	// window key-distribution payloads are checked against. Zero keeps the
	// protocol default.
	MaxKeyDistAge time.Duration
}

// Gate is the single admission checkpoint every inbound envelope passes
// through before reaching the event loop, per spec.md §4.6.
type Gate struct {
	limits Limits
	trust  *trust.DB
	cache  *protocol.MessageCache

	buckets *lru.LRU[identity.PeerID, *bucket]
	allowed map[identity.PeerID]struct{}

	mu         sync.Mutex
	blocked    map[identity.PeerID]struct{}
	connsPerIP map[string]int
}

// NewGate builds a Gate enforcing limits, consulting trustDB for admission
// and pubkeys, and cache for key-distribution replay suppression.
// limits.BlockedPeers seed the blocklist immediately; they behave exactly
// like a runtime Block call, including not surviving past this process
// unless re-supplied in config on the next start.
func NewGate(limits Limits, trustDB *trust.DB, cache *protocol.MessageCache) *Gate {
	g := &Gate{
		limits:     limits,
		trust:      trustDB,
		cache:      cache,
		buckets:    lru.NewLRU[identity.PeerID, *bucket](4096, nil, 10*time.Minute),
		allowed:    make(map[identity.PeerID]struct{}, len(limits.AllowedPeers)),
		blocked:    make(map[identity.PeerID]struct{}, len(limits.BlockedPeers)),
		connsPerIP: make(map[string]int),
	}
	for _, p := range limits.AllowedPeers {
		g.allowed[p] = struct{}{}
	}
	for _, p := range limits.BlockedPeers {
		g.blocked[p] = struct{}{}
	}
	return g
}

// bucket is a token bucket refilled at RateLimitPerMinute tokens/min, capped
// at RateLimitBurst.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (g *Gate) bucketFor(peerID identity.PeerID, now time.Time) *bucket {
	if b, ok := g.buckets.Get(peerID); ok {
		return b
	}
	b := &bucket{
		tokens:   float64(g.limits.RateLimitBurst),
		capacity: float64(g.limits.RateLimitBurst),
		rate:     float64(g.limits.RateLimitPerMinute) / 60.0,
		last:     now,
	}
	g.buckets.Add(peerID, b)
	return b
}

// Block adds peerID to the in-memory-only blocklist (spec.md §4.6: never
// persisted, cleared on restart).
func (g *Gate) Block(peerID identity.PeerID) {
	g.mu.Lock()
	g.blocked[peerID] = struct{}{}
	g.mu.Unlock()
	log.Warn("peer blocked", "peer", peerID)
}

// Unblock removes peerID from the blocklist.
func (g *Gate) Unblock(peerID identity.PeerID) {
	g.mu.Lock()
	delete(g.blocked, peerID)
	g.mu.Unlock()
}

func (g *Gate) isBlocked(peerID identity.PeerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocked[peerID]
	return ok
}

// isAllowed reports whether peerID is in the static config-level allow set.
// It is checked only as a fallback when the whitelist itself does not admit
// the peer, per original_source/src/security.rs's AccessControl.
func (g *Gate) isAllowed(peerID identity.PeerID) bool {
	_, ok := g.allowed[peerID]
	return ok
}

// AdmitConnection enforces the per-IP connection cap at connect time,
// returning a release func the caller must defer-call on disconnect.
func (g *Gate) AdmitConnection(ip string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limits.MaxConnectionsPerIP > 0 && uint32(g.connsPerIP[ip]) >= g.limits.MaxConnectionsPerIP {
		return nil, ErrConnectionCapExceeded
	}
	g.connsPerIP[ip]++
	return func() {
		g.mu.Lock()
		g.connsPerIP[ip]--
		if g.connsPerIP[ip] <= 0 {
			delete(g.connsPerIP, ip)
		}
		g.mu.Unlock()
	}, nil
}

// CheckSize enforces the message-size cap ahead of any decode attempt.
func (g *Gate) CheckSize(n int) error {
	if g.limits.MaxMessageSize > 0 && uint32(n) > g.limits.MaxMessageSize {
		return ErrTooLarge
	}
	return nil
}

// Admit runs the full inbound pipeline of spec.md §4.6 against a decoded
// envelope, in this order: blocklist, rate limit, admission, identity
// coherence, signature, and (for key-distribution payloads) the age/replay
// filter. fromPeer is the transport-authenticated peer id the envelope
// arrived from, used for the rate-limit bucket, the admission check, the
// identity-coherence check and the public-key lookup.
func (g *Gate) Admit(fromPeer identity.PeerID, env protocol.Envelope, payload protocol.Payload, now time.Time) error {
	if g.isBlocked(fromPeer) {
		return ErrBlocked
	}
	if !g.bucketFor(fromPeer, now).take(now) {
		return ErrRateLimited
	}
	if !g.trust.IsAdmitted(fromPeer, now) && !g.isAllowed(fromPeer) {
		return ErrNotAdmitted
	}
	if env.Signer != fromPeer {
		return ErrIdentityMismatch
	}

	pub, ok := g.trust.PublicKey(fromPeer)
	if !ok {
		return ErrUnknownSignerKey
	}
	if err := signing.VerifyEnvelope(env.Signer, ed25519.PublicKey(pub), env.PayloadBytes, env.Signature); err != nil {
		return err
	}

	if payload.IsKeyDist() {
		if protocol.TooOld(payload.Timestamp(), now, g.limits.MaxKeyDistAge) {
			return ErrStaleKeyDist
		}
		if g.cache.SeenBefore(env.Signer, payload.UID()) {
			return ErrStaleKeyDist
		}
	}
	return nil
}
