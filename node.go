package lankv

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lankv/lankv/internal/config"
	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/loop"
	"github.com/lankv/lankv/internal/network"
	"github.com/lankv/lankv/internal/obs"
	"github.com/lankv/lankv/internal/protocol"
	"github.com/lankv/lankv/internal/security"
	"github.com/lankv/lankv/internal/signing"
	"github.com/lankv/lankv/internal/store"
	"github.com/lankv/lankv/internal/trust"
)

var log = obs.Logger("lankv")

// Node is a single lankv peer: identity, durable state, trust database,
// network overlay, and the event loop tying them together. It generalizes
// the teacher's generic Node[K, V] gossip wrapper (internal/gossip.Node)
// into a concrete daemon that owns SQLite-backed state instead of an
// in-memory map, and a Noise/mDNS overlay instead of bare UDP digests.
type Node struct {
	cfg      config.Config
	identity identity.KeyPair

	store *store.Store
	trust *trust.DB
	net   *network.Network
	gate  *security.Gate
	cache *protocol.MessageCache
	loop  *loop.Loop

	cancel context.CancelFunc
	closed bool
}

// New loads or creates a node's identity and opens its durable state under
// cfg.DataDir. It does not start networking; call Start for that.
func New(cfg config.Config) (*Node, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("lankv: data_dir must be set")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("lankv: create data dir: %w", err)
	}

	kp, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("lankv: load identity: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("lankv: open store: %w", err)
	}
	tr, err := trust.Open(filepath.Join(cfg.DataDir, "whitelist.db"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("lankv: open trust db: %w", err)
	}

	cache := protocol.NewMessageCache(8192)
	gate := security.NewGate(security.Limits{
		RateLimitPerMinute:  cfg.Security.RateLimitPerMinute,
		RateLimitBurst:      cfg.Security.RateLimitBurst,
		MaxMessageSize:      cfg.Security.MaxMessageSize,
		MaxConnectionsPerIP: cfg.Security.MaxConnectionsPerIP,
		BlockedPeers:        peerIDs(cfg.Security.BlockedPeers),
		AllowedPeers:        peerIDs(cfg.Security.AllowedPeers),
		MaxKeyDistAge:       time.Duration(cfg.KeyDistribution.MaxMessageAgeHours) * time.Hour,
	}, tr, cache)
	netw := network.New(kp, network.DefaultMaxDegree, gate)

	n := &Node{
		cfg:      cfg,
		identity: kp,
		store:    st,
		trust:    tr,
		net:      netw,
		gate:     gate,
		cache:    cache,
	}
	return n, nil
}

// timersFor resolves the loop's periodic timers from cfg, applying
// GossipInterval as an override of the announce_key ticker (T1) when set.
func timersFor(cfg config.Config) loop.Timers {
	timers := loop.DefaultTimers()
	if cfg.GossipInterval > 0 {
		timers.AnnounceKey = cfg.GossipInterval
	}
	return timers
}

func peerIDs(raw []string) []identity.PeerID {
	out := make([]identity.PeerID, len(raw))
	for i, p := range raw {
		out[i] = identity.PeerID(p)
	}
	return out
}

// ID returns this node's stable peer identifier.
func (n *Node) ID() identity.PeerID { return n.identity.ID() }

// Store exposes the durable key-value state for direct operator commands.
func (n *Node) Store() *store.Store { return n.store }

// Trust exposes the whitelist database for direct operator commands.
func (n *Node) Trust() *trust.DB { return n.trust }

// Get reads a key from local durable state. It returns ErrNotFound if the
// key has no live record and ErrClosed if the node has already been
// closed.
func (n *Node) Get(ctx context.Context, key string) (string, error) {
	if n.closed {
		return "", ErrClosed
	}
	value, err := n.store.Get(ctx, key)
	return value, mapStoreErr(err)
}

// Put writes a key/value pair locally and floods it to the overlay. It
// returns ErrValidation if key or value violates the configured length or
// character constraints, and ErrClosed if the node has already been
// closed.
func (n *Node) Put(ctx context.Context, key, value string) error {
	if n.closed {
		return ErrClosed
	}
	rec, err := n.store.PutLocal(ctx, key, value, int(n.cfg.Security.MaxKeyLength), int(n.cfg.Security.MaxValueLength), time.Now())
	if err != nil {
		return mapStoreErr(err)
	}
	return n.publish(ctx, protocol.Payload{
		Kind: protocol.KindPut,
		Put:  &protocol.Put{Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp},
	})
}

// Delete removes a key locally and floods the tombstone to the overlay. It
// returns ErrClosed if the node has already been closed.
func (n *Node) Delete(ctx context.Context, key string) error {
	if n.closed {
		return ErrClosed
	}
	rec, err := n.store.DeleteLocal(ctx, key, time.Now())
	if err != nil {
		return mapStoreErr(err)
	}
	return n.publish(ctx, protocol.Payload{
		Kind:   protocol.KindDelete,
		Delete: &protocol.Delete{Key: rec.Key, Timestamp: rec.Timestamp},
	})
}

// publish signs payload with the node's own identity and floods it over the
// overlay. A safe no-op when the network has no peers.
func (n *Node) publish(ctx context.Context, payload protocol.Payload) error {
	payloadBytes, err := protocol.EncodePayload(payload)
	if err != nil {
		return err
	}
	sig := signing.Sign(n.identity.Private, payloadBytes)
	env := protocol.Envelope{
		PayloadBytes: payloadBytes,
		Signature:    sig,
		Signer:       n.identity.ID(),
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	n.net.Publish(ctx, data)
	return nil
}

// Start binds the network, begins peer discovery, and launches the event
// loop reading commands from cmdIn and writing results to cmdOut.
func (n *Node) Start(ctx context.Context, bindAddr string, cmdIn io.Reader, cmdOut io.Writer) error {
	if err := n.net.Start(bindAddr, n.cfg.Discovery); err != nil {
		return fmt.Errorf("lankv: start network: %w", err)
	}

	for _, addr := range n.cfg.BootstrapPeers {
		if err := n.net.Dial(addr, ""); err != nil {
			log.Warn("bootstrap dial failed", "addr", addr, "err", err)
		}
	}

	n.loop = loop.New(loop.Options{
		Identity:                n.identity,
		Store:                   n.store,
		Trust:                   n.trust,
		Gate:                    n.gate,
		Net:                     n.net,
		Cache:                   n.cache,
		Timers:                  timersFor(n.cfg),
		AutoShareKeys:           n.cfg.KeyDistribution.AutoShareKeys,
		AutoRequestKeys:         n.cfg.KeyDistribution.AutoRequestKeys,
		AcceptWhitelistRequests: n.cfg.KeyDistribution.AcceptWhitelistRequest,
		MaxKeyLen:               int(n.cfg.Security.MaxKeyLength),
		MaxValueLen:             int(n.cfg.Security.MaxValueLength),
		Commands:                cmdIn,
		Output:                  cmdOut,
	})

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go func() {
		if err := n.loop.Run(runCtx); err != nil {
			log.Error("event loop exited with error", "err", err)
		}
	}()
	return nil
}

// Close stops the event loop, closes network connections, and flushes
// durable state.
func (n *Node) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	if n.cancel != nil {
		n.cancel()
	}
	if n.loop != nil {
		n.loop.Stop()
	}
	if err := n.net.Close(); err != nil {
		log.Warn("network close failed", "err", err)
	}
	if err := n.trust.Close(); err != nil {
		log.Warn("trust db close failed", "err", err)
	}
	return n.store.Close()
}
