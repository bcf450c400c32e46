package acceptor

import "github.com/spearit/spearhead/internal/protocol"

// EventType enumerates the observable events the acceptor fires for
// server-level subscribers, per spec.md §4.5.
type EventType string

const (
	EventConnectionAccepted          EventType = "CONNECTION_ACCEPTED"
	EventConnectionEstablished       EventType = "CONNECTION_ESTABLISHED"
	EventConnectionFailedToEstablish EventType = "CONNECTION_FAILED_TO_ESTABLISH"
	EventConnectionTerminated        EventType = "CONNECTION_TERMINATED"
	EventMessageReceived             EventType = "MESSAGE_RECEIVED"
	EventMessageSent                 EventType = "MESSAGE_SENT"
)

// Event is a single tagged occurrence delivered to Subscribers, modeled
// as the small-callback-list variant spec.md §9 design notes offer as
// an alternative to a channel-based observer bus.
type Event struct {
	Type     EventType
	PeerAddr string
	Frame    *protocol.Frame // set for MESSAGE_RECEIVED/MESSAGE_SENT
	Err      error           // set for CONNECTION_TERMINATED
}

// Subscriber receives every Event fired by the Acceptor. Ordering within
// a single session is preserved; ordering across sessions is not
// guaranteed beyond what the caller's own locking provides.
type Subscriber func(Event)
