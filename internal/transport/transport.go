// Package transport defines the session interface the reactive core
// requires from the underlying proximity transport, together with the
// closed union of events every implementation reports through.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/proximitylab/nearby/internal/identity"
)

var (
	ErrSessionClosed      = errors.New("transport session closed")
	ErrNotConnected       = errors.New("peer not connected")
	ErrPeerUnavailable    = errors.New("peer not reachable")
	ErrInvitationRejected = errors.New("invitation rejected")
	ErrStreamClosed       = errors.New("stream closed")
)

// PeerState is the connection state the transport reports for a remote
// peer.
type PeerState uint8

const (
	StateNotConnected PeerState = iota
	StateConnecting
	StateConnected
)

func (s PeerState) String() string {
	switch s {
	case StateNotConnected:
		return "NOT_CONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Session is the raw peer transport: advertise/browse controls,
// invitation primitives, raw framed messages, and named byte streams.
//
// Implementations deliver every callback as an Event on the channel
// returned by Events, preserving per-peer order. The channel closes when
// the session is closed. None of the methods block on network I/O beyond
// a local handoff; outcomes surface as events.
type Session interface {
	// Advertise toggles local discoverability. Toggling to the current
	// state is a no-op.
	Advertise(enabled bool) error
	// Browse toggles peer scanning. While browsing, already-advertising
	// peers are reported even if they started first.
	Browse(enabled bool) error
	// Invite asks the remote peer to connect, passing opaque context
	// bytes. The outcome arrives as StateChanged events.
	Invite(peer identity.Peer, context []byte) error
	// SendRaw delivers one framed message to a connected peer.
	SendRaw(peer identity.Peer, data []byte) error
	// OpenStream opens the named outbound byte stream to a connected
	// peer. Closing the writer ends the stream at the receiver.
	OpenStream(ctx context.Context, peer identity.Peer, name string) (io.WriteCloser, error)
	// Events is the single serialized callback channel.
	Events() <-chan Event
	// Disconnect tears down every active connection. Safe with none.
	Disconnect() error
	// Close releases the session. Events closes afterwards.
	Close() error
}

type EventKind uint16

const (
	EventPeerFound EventKind = iota
	EventPeerLost
	EventInvitationReceived
	EventStateChanged
	EventDataReceived
	EventStreamOpened
)

func (k EventKind) String() string {
	switch k {
	case EventPeerFound:
		return "PEER_FOUND"
	case EventPeerLost:
		return "PEER_LOST"
	case EventInvitationReceived:
		return "INVITATION_RECEIVED"
	case EventStateChanged:
		return "STATE_CHANGED"
	case EventDataReceived:
		return "DATA_RECEIVED"
	case EventStreamOpened:
		return "STREAM_OPENED"
	default:
		return "UNKNOWN"
	}
}

// Event is the closed union of transport callbacks.
type Event interface {
	Kind() EventKind
}

// PeerFound reports a nearby advertising peer. Repeated discovery of the
// same peer replaces its metadata.
type PeerFound struct {
	Peer     identity.Peer
	Metadata map[string]string
}

func (PeerFound) Kind() EventKind { return EventPeerFound }

type PeerLost struct {
	Peer identity.Peer
}

func (PeerLost) Kind() EventKind { return EventPeerLost }

type InvitationReceived struct {
	Invitation *Invitation
}

func (InvitationReceived) Kind() EventKind { return EventInvitationReceived }

type StateChanged struct {
	Peer  identity.Peer
	State PeerState
}

func (StateChanged) Kind() EventKind { return EventStateChanged }

type DataReceived struct {
	Peer identity.Peer
	Data []byte
}

func (DataReceived) Kind() EventKind { return EventDataReceived }

// StreamOpened reports an inbound named byte stream. The reader stays
// valid until it returns io.EOF or is closed.
type StreamOpened struct {
	Peer   identity.Peer
	Name   string
	Reader io.ReadCloser
}

func (StreamOpened) Kind() EventKind { return EventStreamOpened }
