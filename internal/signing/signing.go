// Package signing implements lankv's detached-signature discipline:
// sign/verify over the SHA-256 digest of canonical payload bytes, PeerId
// derivation, and public key (de)serialization in raw/hex/base64 forms.
// Mirrors original_source/src/crypto.rs's SignedData (hash-then-sign,
// derive signer from the verifying key, reject mismatched signer).
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/lankv/lankv/internal/identity"
)

// ErrIdentityMismatch is returned when a decoded signer id does not match
// the PeerId derived from the verifying public key.
var ErrIdentityMismatch = errors.New("signing: identity mismatch")

// ErrInvalidSignature is returned when a signature fails cryptographic
// verification.
var ErrInvalidSignature = errors.New("signing: invalid signature")

// Digest hashes canonical payload bytes with SHA-256, the fixed hash
// function spec.md's crypto component mandates.
func Digest(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// Sign returns a detached Ed25519 signature over Digest(payload).
func Sign(priv ed25519.PrivateKey, payload []byte) []byte {
	return ed25519.Sign(priv, Digest(payload))
}

// Verify checks sig against Digest(payload) using pub.
func Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	return ed25519.Verify(pub, Digest(payload), sig)
}

// VerifyEnvelope checks both that sig verifies and that the claimed signer
// id matches the PeerId derived from pub, returning ErrIdentityMismatch or
// ErrInvalidSignature on failure.
func VerifyEnvelope(claimedSigner identity.PeerID, pub ed25519.PublicKey, payload, sig []byte) error {
	if identity.DerivePeerID(pub) != claimedSigner {
		return ErrIdentityMismatch
	}
	if !Verify(pub, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// EncodePublicKeyHex/Base64 render a raw public key for display or for
// whitelist keyfiles; decoding accepts raw, hex, or base64 forms so
// `whitelist add --key` can be fed a key in whatever form an operator has it,
// matching the flexibility xdao-co-CATF/keys gives its seed-material inputs.

func EncodePublicKeyHex(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

func EncodePublicKeyBase64(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey accepts raw (exact-length), hex, or base64 encoded
// Ed25519 public key bytes and returns the raw key.
func DecodePublicKey(data []byte) (ed25519.PublicKey, error) {
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(append([]byte(nil), data...)), nil
	}
	if decoded, err := hex.DecodeString(string(data)); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	return nil, fmt.Errorf("signing: decode public key: unrecognized encoding or wrong length (%d bytes)", len(data))
}
