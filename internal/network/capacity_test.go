package network

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/protocol"
	"github.com/lankv/lankv/internal/security"
	"github.com/lankv/lankv/internal/trust"
)

func newCappedGate(t *testing.T, maxPerIP uint32) *security.Gate {
	tr, err := trust.Open(filepath.Join(t.TempDir(), "whitelist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	cache := protocol.NewMessageCache(128)
	return security.NewGate(security.Limits{
		RateLimitPerMinute:  6000,
		RateLimitBurst:      1000,
		MaxMessageSize:      1 << 20,
		MaxConnectionsPerIP: maxPerIP,
	}, tr, cache)
}

// TestAcceptLoopEnforcesPerIPConnectionCap drives two real inbound TCP
// connections against a listening Network whose Gate caps one connection
// per IP, over loopback. The first dial must be admitted; the second,
// arriving from the same source IP while the first is still open, must be
// rejected before the handshake completes.
func TestAcceptLoopEnforcesPerIPConnectionCap(t *testing.T) {
	serverKP, err := identity.Generate()
	require.NoError(t, err)
	gate := newCappedGate(t, 1)

	server := New(serverKP, DefaultMaxDegree, gate)
	require.NoError(t, server.Start("127.0.0.1:0", false))
	t.Cleanup(func() { _ = server.Close() })

	addr := server.ln.Addr().String()

	client1KP, err := identity.Generate()
	require.NoError(t, err)
	client1 := New(client1KP, DefaultMaxDegree, nil)
	t.Cleanup(func() { _ = client1.Close() })
	require.NoError(t, client1.Dial(addr, serverKP.ID()))

	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	client2KP, err := identity.Generate()
	require.NoError(t, err)
	client2 := New(client2KP, DefaultMaxDegree, nil)
	t.Cleanup(func() { _ = client2.Close() })
	err = client2.Dial(addr, serverKP.ID())
	require.Error(t, err, "second connection from the same IP should be rejected by the per-ip cap")

	require.Equal(t, 1, server.PeerCount(), "the admitted connection must remain unaffected")
}

// TestAcceptLoopAdmitsAnotherConnectionAfterOneCloses verifies the cap slot
// taken by an inbound connection is released on disconnect, per drop's call
// to the AdmitConnection release func.
func TestAcceptLoopAdmitsAnotherConnectionAfterOneCloses(t *testing.T) {
	serverKP, err := identity.Generate()
	require.NoError(t, err)
	gate := newCappedGate(t, 1)

	server := New(serverKP, DefaultMaxDegree, gate)
	require.NoError(t, server.Start("127.0.0.1:0", false))
	t.Cleanup(func() { _ = server.Close() })

	addr := server.ln.Addr().String()

	client1KP, err := identity.Generate()
	require.NoError(t, err)
	client1 := New(client1KP, DefaultMaxDegree, nil)
	require.NoError(t, client1.Dial(addr, serverKP.ID()))
	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, client1.Close())
	require.Eventually(t, func() bool { return server.PeerCount() == 0 }, time.Second, 10*time.Millisecond)

	client2KP, err := identity.Generate()
	require.NoError(t, err)
	client2 := New(client2KP, DefaultMaxDegree, nil)
	t.Cleanup(func() { _ = client2.Close() })
	require.NoError(t, client2.Dial(addr, serverKP.ID()))
	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 10*time.Millisecond)
}
