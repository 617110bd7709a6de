package network

import (
	"time"

	"github.com/lankv/lankv/internal/identity"
)

// EventKind tags the variant carried by an Event, spec.md §4.5.
type EventKind string

const (
	EventPeerDiscovered        EventKind = "peer_discovered"
	EventConnectionEstablished EventKind = "connection_established"
	EventConnectionClosed      EventKind = "connection_closed"
	EventMessageReceived       EventKind = "message_received"
)

// Event is a single item on the Network's ordered event channel. The event
// loop (internal/loop) is the sole consumer and the sole place these are
// acted on, per spec.md §5.
type Event struct {
	Kind EventKind
	At   time.Time

	PeerID  identity.PeerID // set for connection/message events
	Addr    string          // set for peer_discovered / connection events
	Payload []byte          // set for message_received: an envelope, still encoded

	Err error // set when a connection closed abnormally
}
