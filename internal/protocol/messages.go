// Package protocol defines lankv's sync message taxonomy, canonical wire
// encoding, and replay-suppression cache (spec.md §4.4). The envelope/codec
// shape generalizes the teacher's internal/gossip/message.go
// (encodeMessage/decodeMessage wrapping encoding/gob) from a two-message
// digest/delta gossip protocol to the signed Data/KeyDist taxonomy spec.md
// requires.
package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lankv/lankv/internal/identity"
)

// Topic is the single fixed sync channel name, spec.md §4.4.
const Topic = "p2p-sync"

// Kind tags which payload variant an envelope carries.
type Kind string

const (
	KindPut                 Kind = "put"
	KindDelete              Kind = "delete"
	KindKeyRequest          Kind = "key_request"
	KindKeyResponse         Kind = "key_response"
	KindKeyAnnouncement     Kind = "key_announcement"
	KindWhitelistRequest    Kind = "whitelist_request"
	KindTrustRecommendation Kind = "trust_recommendation"
)

// Put is a DataMessage announcing a local write, spec.md §4.4.
type Put struct {
	Key       string
	Value     string
	Timestamp time.Time
}

// Delete is a DataMessage announcing a local tombstone.
type Delete struct {
	Key       string
	Timestamp time.Time
}

// KeyRequest asks the network for target's public key.
type KeyRequest struct {
	Requestor identity.PeerID
	Target    identity.PeerID
	Timestamp time.Time
	UID       string
}

// KeyResponse answers a KeyRequest (or is sent unsolicited) with a key held
// for target.
type KeyResponse struct {
	Target    identity.PeerID
	PublicKey []byte
	Timestamp time.Time
	UID       string
}

// KeyAnnouncement is an unsolicited broadcast of the sender's own key.
type KeyAnnouncement struct {
	PeerID    identity.PeerID
	PublicKey []byte
	Timestamp time.Time
	UID       string
}

// WhitelistRequest asks the recipient to add the sender to its whitelist.
type WhitelistRequest struct {
	Requestor identity.PeerID
	Name      string
	Timestamp time.Time
	UID       string
}

// TrustRecommendation vouches for another peer.
type TrustRecommendation struct {
	Recommender identity.PeerID
	Recommended identity.PeerID
	Name        string
	Timestamp   time.Time
	UID         string
}

// Payload is the tagged union carried inside an Envelope. Only the field
// matching Kind is populated; the rest are gob zero values.
type Payload struct {
	Kind                Kind
	Put                 *Put
	Delete              *Delete
	KeyRequest          *KeyRequest
	KeyResponse         *KeyResponse
	KeyAnnouncement     *KeyAnnouncement
	WhitelistRequest    *WhitelistRequest
	TrustRecommendation *TrustRecommendation
}

// NewUID returns a fresh message uid for key-distribution messages.
func NewUID() string {
	return uuid.NewString()
}

// Timestamp returns the timestamp carried by whichever variant p holds,
// data or key-distribution, or the zero time for an unknown Kind.
func (p Payload) Timestamp() time.Time {
	switch p.Kind {
	case KindPut:
		return p.Put.Timestamp
	case KindDelete:
		return p.Delete.Timestamp
	case KindKeyRequest:
		return p.KeyRequest.Timestamp
	case KindKeyResponse:
		return p.KeyResponse.Timestamp
	case KindKeyAnnouncement:
		return p.KeyAnnouncement.Timestamp
	case KindWhitelistRequest:
		return p.WhitelistRequest.Timestamp
	case KindTrustRecommendation:
		return p.TrustRecommendation.Timestamp
	default:
		return time.Time{}
	}
}

// UID returns the replay-suppression uid for key-distribution variants, or
// "" for data messages (which carry no uid; replay of a Put/Delete is
// naturally idempotent under LWW).
func (p Payload) UID() string {
	switch p.Kind {
	case KindKeyRequest:
		return p.KeyRequest.UID
	case KindKeyResponse:
		return p.KeyResponse.UID
	case KindKeyAnnouncement:
		return p.KeyAnnouncement.UID
	case KindWhitelistRequest:
		return p.WhitelistRequest.UID
	case KindTrustRecommendation:
		return p.TrustRecommendation.UID
	default:
		return ""
	}
}

// IsKeyDist reports whether p is one of the key-distribution variants
// subject to the age filter and replay cache of spec.md §4.4.
func (p Payload) IsKeyDist() bool {
	switch p.Kind {
	case KindKeyRequest, KindKeyResponse, KindKeyAnnouncement, KindWhitelistRequest, KindTrustRecommendation:
		return true
	default:
		return false
	}
}

// EncodePayload renders the canonical byte representation signed over by
// Crypto. This happens before envelope wrapping so both sides hash the same
// bytes regardless of envelope framing, per spec.md §4.2.
func EncodePayload(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload parses bytes produced by EncodePayload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("protocol: decode payload: %w", err)
	}
	return p, nil
}

// Envelope is the outer signed wrapper, spec.md §4.4 / §6.
type Envelope struct {
	PayloadBytes []byte
	Signature    []byte
	Signer       identity.PeerID
}

// Encode renders an envelope for wire transmission.
func Encode(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return e, nil
}
