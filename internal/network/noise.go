package network

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"

	"github.com/lankv/lankv/internal/identity"
)

// noisePayloadSigPrefix binds a Noise static (Curve25519) key to the long
// lived Ed25519 identity, following the libp2p-noise handshake payload
// convention the teacher's pack (dep2p) implements over flynn/noise.
const noisePayloadSigPrefix = "lankv-noise-static-key:"

type handshakePayload struct {
	IdentityKey []byte
	IdentitySig []byte
}

func encodeHandshakePayload(p handshakePayload) []byte {
	buf := make([]byte, 0, 4+len(p.IdentityKey)+4+len(p.IdentitySig))
	buf = appendLenPrefixed(buf, p.IdentityKey)
	buf = appendLenPrefixed(buf, p.IdentitySig)
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func decodeHandshakePayload(data []byte) (handshakePayload, error) {
	key, rest, err := readLenPrefixed(data)
	if err != nil {
		return handshakePayload{}, err
	}
	sig, _, err := readLenPrefixed(rest)
	if err != nil {
		return handshakePayload{}, err
	}
	return handshakePayload{IdentityKey: key, IdentitySig: sig}, nil
}

func readLenPrefixed(data []byte) (value, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("network: truncated handshake payload")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("network: truncated handshake payload field")
	}
	return data[:n], data[n:], nil
}

// ed25519ToCurve25519Private converts an Ed25519 seed/private key to the
// Curve25519 scalar used for the Noise DH, per RFC 8032/7748 clamping.
func ed25519ToCurve25519Private(priv ed25519.PrivateKey) []byte {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// ed25519ToCurve25519Public converts an Ed25519 public key (Edwards point)
// to its Montgomery-form Curve25519 equivalent.
func ed25519ToCurve25519Public(pub ed25519.PublicKey) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("network: invalid ed25519 point: %w", err)
	}
	return point.BytesMontgomery(), nil
}

func noiseCipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

// performHandshake runs a Noise-XX handshake over conn and returns a secure,
// mutually authenticated channel bound to the peer's Ed25519 identity.
// Grounded in the teacher pack's dep2p noise transport (handshake.go/conn.go),
// generalized from libp2p's protobuf payload framing to a small length
// prefixed encoding so this package needs no extra wire-format dependency.
func performHandshake(conn net.Conn, local identity.KeyPair, expectedRemote identity.PeerID, initiator bool) (*SecureConn, error) {
	curvePriv := ed25519ToCurve25519Private(local.Private)
	curvePub, err := ed25519ToCurve25519Public(local.Public)
	if err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite(),
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: noise.DHKey{Private: curvePriv, Public: curvePub},
	})
	if err != nil {
		return nil, fmt.Errorf("network: handshake state: %w", err)
	}

	toSign := append([]byte(noisePayloadSigPrefix), curvePub...)
	localPayload := encodeHandshakePayload(handshakePayload{
		IdentityKey: local.Public,
		IdentitySig: ed25519.Sign(local.Private, toSign),
	})

	var sendCS, recvCS *noise.CipherState
	var remotePayloadBytes []byte
	if initiator {
		sendCS, recvCS, remotePayloadBytes, err = clientHandshake(conn, hs, localPayload)
	} else {
		sendCS, recvCS, remotePayloadBytes, err = serverHandshake(conn, hs, localPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("network: handshake: %w", err)
	}

	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("network: invalid remote static key length %d", len(remoteStatic))
	}
	remotePayload, err := decodeHandshakePayload(remotePayloadBytes)
	if err != nil {
		return nil, err
	}
	remotePub := ed25519.PublicKey(remotePayload.IdentityKey)
	if len(remotePub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("network: invalid remote identity key length %d", len(remotePub))
	}
	toVerify := append([]byte(noisePayloadSigPrefix), remoteStatic...)
	if !ed25519.Verify(remotePub, toVerify, remotePayload.IdentitySig) {
		return nil, fmt.Errorf("network: remote static key not bound to its identity key")
	}

	remotePeer := identity.DerivePeerID(remotePub)
	if expectedRemote != "" && remotePeer != expectedRemote {
		return nil, fmt.Errorf("network: peer id mismatch: expected %s, got %s", expectedRemote, remotePeer)
	}

	return &SecureConn{
		Conn:       conn,
		sendCS:     sendCS,
		recvCS:     recvCS,
		localPeer:  local.ID(),
		remotePeer: remotePeer,
		remotePub:  remotePub,
	}, nil
}

func clientHandshake(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	msg2, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}
	return cs1, cs2, remotePayload, nil
}

func serverHandshake(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	msg3, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}
	return cs2, cs1, remotePayload, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SecureConn wraps a TCP connection with Noise-XX transport encryption and
// the peer identity established during the handshake.
type SecureConn struct {
	net.Conn

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	localPeer  identity.PeerID
	remotePeer identity.PeerID
	remotePub  ed25519.PublicKey

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

// LocalPeer returns this side's peer id.
func (c *SecureConn) LocalPeer() identity.PeerID { return c.localPeer }

// RemotePeer returns the authenticated remote peer id.
func (c *SecureConn) RemotePeer() identity.PeerID { return c.remotePeer }

// RemotePublicKey returns the remote's Ed25519 public key established
// during the handshake, for the caller to register with the trust db.
func (c *SecureConn) RemotePublicKey() ed25519.PublicKey { return c.remotePub }

// Read decrypts and returns application data. Per the io.Reader contract it
// may return fewer bytes than a full decrypted frame; any leftover is
// buffered in readBuf for the next call.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	plaintext, err := c.readMessageLocked()
	if err != nil {
		return 0, err
	}
	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = append([]byte(nil), plaintext[n:]...)
	}
	return n, nil
}

// ReadMessage decrypts and returns one full Noise transport frame,
// regardless of its size. Unlike Read it never truncates to a
// caller-supplied buffer, so callers that need "one frame, fully" (as
// opposed to io.Reader's "as many bytes as fit") should use this instead.
func (c *SecureConn) ReadMessage() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		msg := c.readBuf
		c.readBuf = nil
		return msg, nil
	}
	return c.readMessageLocked()
}

func (c *SecureConn) readMessageLocked() ([]byte, error) {
	ciphertext, err := readFrame(c.Conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.recvCS.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("network: decrypt: %w", err)
	}
	return plaintext, nil
}

// Write encrypts and sends application data.
func (c *SecureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ciphertext, err := c.sendCS.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("network: encrypt: %w", err)
	}
	if err := writeFrame(c.Conn, ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}
