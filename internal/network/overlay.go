// Package network implements lankv's transport layer: mDNS discovery,
// Noise-XX encrypted TCP connections, and a flood-based publish/subscribe
// overlay bounded to a fixed peer degree. All three surface into a single
// ordered Event channel; the event loop (internal/loop) is this package's
// sole consumer, mirroring the teacher's single-reader channel discipline
// in internal/gossip/node.go's readLoop.
package network

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/obs"
	"github.com/lankv/lankv/internal/security"
)

var log = obs.Logger("network")

// DefaultMaxDegree is the default bounded mesh fanout, spec.md §4.5.
const DefaultMaxDegree = 6

// dedupTTL bounds how long a flooded message id is remembered to suppress
// rebroadcast storms; distinct from protocol.ReplayTTL, which governs
// application-level key-distribution replay, not wire-level flood dedup.
const dedupTTL = 10 * time.Minute

// Network owns peer connections and the flood overlay. It never touches the
// store or trust db directly: every inbound message surfaces as an Event
// for the event loop to validate and apply.
type Network struct {
	local     identity.KeyPair
	maxDegree int
	gate      *security.Gate

	ln  *listener
	mds *discovery

	events chan Event

	mu    sync.Mutex
	peers map[identity.PeerID]*peerConn

	seen *lru.LRU[[32]byte, struct{}]

	wg     sync.WaitGroup
	stop   chan struct{}
	closed bool
}

type peerConn struct {
	sc      *SecureConn
	addr    string
	out     chan []byte
	done    chan struct{} // closed by drop, before out; lets senders avoid a closed-channel send
	release func()        // releases this connection's per-IP cap slot, nil if none was taken
}

// New builds a Network that will listen on bindAddr once Start is called.
// gate enforces the per-IP connection cap on inbound connections at accept
// time, spec.md §4.6; it may be nil in tests that never call Start.
func New(local identity.KeyPair, maxDegree int, gate *security.Gate) *Network {
	if maxDegree <= 0 {
		maxDegree = DefaultMaxDegree
	}
	return &Network{
		local:     local,
		maxDegree: maxDegree,
		gate:      gate,
		events:    make(chan Event, 256),
		peers:     make(map[identity.PeerID]*peerConn),
		seen:      lru.NewLRU[[32]byte, struct{}](8192, nil, dedupTTL),
		stop:      make(chan struct{}),
	}
}

// Events returns the channel of inbound events. The event loop must keep
// draining it; Network applies backpressure by blocking sends, never by
// dropping events.
func (n *Network) Events() <-chan Event { return n.events }

// Start binds the TCP listener, begins accepting connections, and (if
// discover is true) starts mDNS announce/browse.
func (n *Network) Start(bindAddr string, discover bool) error {
	ln, err := listen(bindAddr, n.local)
	if err != nil {
		return err
	}
	n.ln = ln

	n.wg.Add(1)
	go n.acceptLoop()

	if discover {
		_, portStr, err := net.SplitHostPort(ln.Addr().String())
		if err != nil {
			return fmt.Errorf("network: split listen addr: %w", err)
		}
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		mds, err := startDiscovery(n.local.ID(), port, n.onDiscovered)
		if err != nil {
			log.Warn("mdns discovery failed to start", "err", err)
		} else {
			n.mds = mds
		}
	}
	return nil
}

// Close shuts down the listener, discovery, and every peer connection.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	peers := make([]*peerConn, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	close(n.stop)
	n.mds.stop()
	if n.ln != nil {
		_ = n.ln.Close()
	}
	for _, p := range peers {
		_ = p.sc.Close()
	}
	n.wg.Wait()
	close(n.events)
	return nil
}

func (n *Network) onDiscovered(peerID identity.PeerID, addr string) {
	n.emit(Event{Kind: EventPeerDiscovered, At: time.Now(), PeerID: peerID, Addr: addr})
}

func (n *Network) emit(ev Event) {
	select {
	case n.events <- ev:
	case <-n.stop:
	}
}

func (n *Network) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.ln.acceptRaw()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			log.Warn("accept failed", "err", err)
			continue
		}

		var release func()
		if n.gate != nil {
			ip := hostOf(conn.RemoteAddr().String())
			r, err := n.gate.AdmitConnection(ip)
			if err != nil {
				log.Debug("rejecting connection, per-ip cap exceeded", "addr", conn.RemoteAddr(), "err", err)
				_ = conn.Close()
				continue
			}
			release = r
		}

		sc, err := n.ln.handshakeServer(conn)
		if err != nil {
			if release != nil {
				release()
			}
			_ = conn.Close()
			log.Warn("inbound handshake failed", "err", err)
			continue
		}
		n.adopt(sc, sc.RemoteAddr().String(), release)
	}
}

// hostOf extracts the host portion of a dial-style address, falling back to
// the address itself when it carries no port (e.g. a bare IP).
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Dial opens an outbound connection to addr, optionally verifying it
// belongs to expectedPeer. Outbound dials are not subject to the inbound
// per-IP connection cap, spec.md §4.6.
func (n *Network) Dial(addr string, expectedPeer identity.PeerID) error {
	sc, err := dial(addr, n.local, expectedPeer)
	if err != nil {
		return err
	}
	n.adopt(sc, addr, nil)
	return nil
}

func (n *Network) adopt(sc *SecureConn, addr string, release func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		if release != nil {
			release()
		}
		_ = sc.Close()
		return
	}
	if len(n.peers) >= n.maxDegree {
		n.mu.Unlock()
		log.Debug("dropping connection, mesh at max degree", "peer", sc.RemotePeer())
		if release != nil {
			release()
		}
		_ = sc.Close()
		return
	}
	if existing, ok := n.peers[sc.RemotePeer()]; ok {
		n.mu.Unlock()
		_ = existing.sc.Close()
		if release != nil {
			release()
		}
		_ = sc.Close()
		return
	}
	pc := &peerConn{sc: sc, addr: addr, out: make(chan []byte, 64), done: make(chan struct{}), release: release}
	n.peers[sc.RemotePeer()] = pc
	n.mu.Unlock()

	n.emit(Event{Kind: EventConnectionEstablished, At: time.Now(), PeerID: sc.RemotePeer(), Addr: addr})

	n.wg.Add(2)
	go n.writeLoop(pc)
	go n.readLoop(pc)
}

func (n *Network) drop(pc *peerConn, cause error) {
	n.mu.Lock()
	if n.peers[pc.sc.RemotePeer()] == pc {
		delete(n.peers, pc.sc.RemotePeer())
	}
	n.mu.Unlock()
	if pc.release != nil {
		pc.release()
	}
	close(pc.done)
	close(pc.out)
	n.emit(Event{Kind: EventConnectionClosed, At: time.Now(), PeerID: pc.sc.RemotePeer(), Err: cause})
}

func (n *Network) writeLoop(pc *peerConn) {
	defer n.wg.Done()
	for data := range pc.out {
		if _, err := pc.sc.Write(data); err != nil {
			_ = pc.sc.Close()
			return
		}
	}
}

func (n *Network) readLoop(pc *peerConn) {
	defer n.wg.Done()
	var cause error
	for {
		data, err := readApplicationMessage(pc.sc)
		if err != nil {
			cause = err
			break
		}
		if n.markSeen(data) {
			continue // already flooded through this mesh once
		}
		n.emit(Event{Kind: EventMessageReceived, At: time.Now(), PeerID: pc.sc.RemotePeer(), Payload: data})
		n.floodExcept(pc.sc.RemotePeer(), data)
	}
	_ = pc.sc.Close()
	n.drop(pc, cause)
}

// readApplicationMessage reads one length-framed application payload from
// an already-secure connection. It uses SecureConn.ReadMessage rather than
// Read so a plaintext larger than any fixed-size buffer (spec.md §3 allows
// values up to 65,536 chars, and §6's max_message_size defaults to
// 1,048,576) is still returned whole, instead of being truncated with the
// remainder misdelivered as a bogus next message.
func readApplicationMessage(sc *SecureConn) ([]byte, error) {
	return sc.ReadMessage()
}

func (n *Network) markSeen(data []byte) (duplicate bool) {
	id := sha256.Sum256(data)
	if _, ok := n.seen.Get(id); ok {
		return true
	}
	n.seen.Add(id, struct{}{})
	return false
}

// Publish floods data to every connected peer. Callers pass already-encoded
// signed envelope bytes (internal/protocol.Encode output).
func (n *Network) Publish(ctx context.Context, data []byte) {
	n.markSeen(data)
	n.floodExcept("", data)
}

func (n *Network) floodExcept(exclude identity.PeerID, data []byte) {
	n.mu.Lock()
	targets := make([]*peerConn, 0, len(n.peers))
	for id, p := range n.peers {
		if id == exclude {
			continue
		}
		targets = append(targets, p)
	}
	n.mu.Unlock()

	// Blocking by design, spec.md §5: publishing to the overlay is bounded
	// by network buffer backpressure and the loop blocks rather than
	// dropping, never a non-blocking default. The only escapes are this
	// peer's own connection closing (p.done) or the whole Network shutting
	// down (n.stop); neither is "the queue is full", so neither drops data.
	for _, p := range targets {
		select {
		case p.out <- data:
		case <-p.done:
			log.Debug("skipping send, peer connection closing", "peer", p.sc.RemotePeer())
		case <-n.stop:
			return
		}
	}
}

// PeerCount reports the number of currently connected peers.
func (n *Network) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// Peers returns the ids of all currently connected peers.
func (n *Network) Peers() []identity.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]identity.PeerID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}
