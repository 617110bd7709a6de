package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lankv/lankv/internal/identity"
)

func TestPayloadEncodeDecodeRoundTrip(t *testing.T) {
	p := Payload{
		Kind: KindPut,
		Put:  &Put{Key: "k", Value: "v", Timestamp: time.Now().Truncate(time.Microsecond)},
	}
	data, err := EncodePayload(p)
	require.NoError(t, err)

	decoded, err := DecodePayload(data)
	require.NoError(t, err)
	require.Equal(t, p.Kind, decoded.Kind)
	require.Equal(t, p.Put.Key, decoded.Put.Key)
	require.Equal(t, p.Put.Value, decoded.Put.Value)
	require.True(t, p.Put.Timestamp.Equal(decoded.Put.Timestamp))
}

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	env := Envelope{
		PayloadBytes: []byte("payload"),
		Signature:    []byte("sig"),
		Signer:       kp.ID(),
	}
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, env, decoded)
}

func TestPayloadKindClassification(t *testing.T) {
	require.False(t, Payload{Kind: KindPut}.IsKeyDist())
	require.False(t, Payload{Kind: KindDelete}.IsKeyDist())
	require.True(t, Payload{Kind: KindKeyRequest}.IsKeyDist())
	require.True(t, Payload{Kind: KindKeyResponse}.IsKeyDist())
	require.True(t, Payload{Kind: KindKeyAnnouncement}.IsKeyDist())
	require.True(t, Payload{Kind: KindWhitelistRequest}.IsKeyDist())
	require.True(t, Payload{Kind: KindTrustRecommendation}.IsKeyDist())
}

func TestMessageCacheSuppressesReplay(t *testing.T) {
	cache := NewMessageCache(128)
	signer := identity.PeerID("peerA")

	require.False(t, cache.SeenBefore(signer, "uid-1"), "first sighting should not be flagged as a replay")
	require.True(t, cache.SeenBefore(signer, "uid-1"), "second sighting of the same uid should be flagged")
	require.False(t, cache.SeenBefore(signer, "uid-2"), "a distinct uid is not a replay")
}

func TestTooOldRejectsMessagesOutsideTheWindow(t *testing.T) {
	now := time.Now()
	require.False(t, TooOld(now, now, 0))
	require.False(t, TooOld(now.Add(-23*time.Hour), now, 0))
	require.True(t, TooOld(now.Add(-25*time.Hour), now, 0))
	require.True(t, TooOld(now.Add(25*time.Hour), now, 0), "a future-skewed timestamp is rejected too")
}

func TestTooOldHonorsAConfiguredMaxAgeOverride(t *testing.T) {
	now := time.Now()
	require.False(t, TooOld(now.Add(-90*time.Minute), now, 2*time.Hour))
	require.True(t, TooOld(now.Add(-90*time.Minute), now, time.Hour))
}
