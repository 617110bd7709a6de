package lankv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lankv/lankv/internal/config"
	"github.com/lankv/lankv/internal/loop"
)

func TestNewOpensIdentityAndStoresUnderDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	require.NotEmpty(t, n.ID())
	require.FileExists(t, filepath.Join(cfg.DataDir, "identity.key"))
}

func TestTimersForAppliesGossipIntervalToAnnounceKeyOnly(t *testing.T) {
	cfg := config.Default()
	cfg.GossipInterval = 5 * time.Second

	timers := timersFor(cfg)
	want := loop.DefaultTimers()
	want.AnnounceKey = 5 * time.Second
	require.Equal(t, want, timers)
}

func TestTimersForKeepsDefaultsWhenGossipIntervalUnset(t *testing.T) {
	cfg := config.Default()
	cfg.GossipInterval = 0

	require.Equal(t, loop.DefaultTimers(), timersFor(cfg))
}

func newTestNode(t *testing.T) *Node {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestPutThenGetRoundTrips(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.Put(ctx, "greeting", "hello"))

	value, err := n.Get(ctx, "greeting")
	require.NoError(t, err)
	require.Equal(t, "hello", value)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutEmptyKeyReturnsErrValidation(t *testing.T) {
	n := newTestNode(t)
	err := n.Put(context.Background(), "", "v")
	require.ErrorIs(t, err, ErrValidation)
}

func TestDeleteThenGetReturnsErrNotFound(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	require.NoError(t, n.Put(ctx, "k", "v"))
	require.NoError(t, n.Delete(ctx, "k"))

	_, err := n.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Close())

	_, err := n.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, n.Put(context.Background(), "k", "v"), ErrClosed)
	require.ErrorIs(t, n.Delete(context.Background(), "k"), ErrClosed)
}
