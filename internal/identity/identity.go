// Package identity owns the node's long-lived Ed25519 keypair and derives
// its stable PeerId, following the atomic-write persistence pattern of
// dep2p-go-dep2p's identity storage and the base58(sha256(pubkey)) PeerId
// derivation shared by dep2p-go-dep2p and xdao-co-CATF.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
)

// ErrKeyNotFound is returned by Load when no identity.key exists yet.
var ErrKeyNotFound = errors.New("identity: key not found")

// PeerID is the stable, base58-encoded identifier derived from a peer's
// Ed25519 public key.
type PeerID string

// KeyPair is the node's long-lived signing identity.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// DerivePeerID computes PeerId = base58(sha256(raw public key)).
func DerivePeerID(pub ed25519.PublicKey) PeerID {
	sum := sha256.Sum256(pub)
	return PeerID(base58.Encode(sum[:]))
}

// ID returns this keypair's PeerID.
func (k KeyPair) ID() PeerID {
	return DerivePeerID(k.Public)
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: generate: %w", err)
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// LoadOrCreate loads the identity.key file under dataDir, creating one with
// mode 0600 if it does not exist yet.
func LoadOrCreate(dataDir string) (KeyPair, error) {
	path := filepath.Join(dataDir, "identity.key")
	kp, err := Load(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return KeyPair{}, err
	}
	kp, err = Generate()
	if err != nil {
		return KeyPair{}, err
	}
	if err := Save(path, kp); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

// Load reads a raw Ed25519 private key from path.
func Load(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KeyPair{}, ErrKeyNotFound
		}
		return KeyPair{}, fmt.Errorf("identity: read %s: %w", path, err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("identity: %s: invalid key size %d", path, len(data))
	}
	priv := ed25519.PrivateKey(data)
	pub := priv.Public().(ed25519.PublicKey)
	return KeyPair{Private: priv, Public: pub}, nil
}

// Save persists kp.Private to path atomically with mode 0600, using a
// temp-file-then-rename sequence so a crash mid-write can never leave a
// corrupt identity.key behind.
func Save(path string, kp KeyPair) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(kp.Private); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("identity: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("identity: sync temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("identity: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: rename: %w", err)
	}
	ok = true
	return nil
}
