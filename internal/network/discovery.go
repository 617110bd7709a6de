package network

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/lankv/lankv/internal/identity"
)

const mdnsServiceName = "_lankv._tcp"

// discovery announces this node and browses for peers on the LAN via mDNS.
// Adapted from the teacher's internal/discovery/mdns.go: same
// register-then-browse shape, generalized to carry a PeerID instead of an
// opaque nodeID string and to hand discoveries to a typed callback instead
// of a raw address slice.
type discovery struct {
	peerID identity.PeerID
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startDiscovery(peerID identity.PeerID, port int, onPeer func(identity.PeerID, string)) (*discovery, error) {
	server, err := zeroconf.Register(string(peerID), mdnsServiceName, "local.", port, []string{
		"peer=" + string(peerID),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("network: mdns register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("network: mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	d := &discovery{peerID: peerID, server: server, cancel: cancel}

	d.wg.Add(1)
	go d.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, mdnsServiceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		d.wg.Wait()
		return nil, fmt.Errorf("network: mdns browse: %w", err)
	}
	return d, nil
}

func (d *discovery) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func(identity.PeerID, string)) {
	defer d.wg.Done()
	for entry := range entries {
		if d.isSelf(entry) {
			continue
		}
		peerID := identity.PeerID(entry.Instance)
		for _, ip := range entry.AddrIPv4 {
			onPeer(peerID, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
		}
		for _, ip := range entry.AddrIPv6 {
			onPeer(peerID, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
		}
	}
}

func (d *discovery) isSelf(entry *zeroconf.ServiceEntry) bool {
	return slices.Contains(entry.Text, "peer="+string(d.peerID))
}

func (d *discovery) stop() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.server.Shutdown()
}
