// Package identity defines the peer identity value shared by every
// component of the session core.
package identity

import "github.com/google/uuid"

// PeerID uniquely identifies a peer for the lifetime of its session.
// A peer reconnecting under the same ID is the same peer.
type PeerID string

// Peer is an immutable peer identity. Equality of ID defines peer
// identity across all components; DisplayName is advisory metadata.
type Peer struct {
	ID          PeerID
	DisplayName string
}

// New mints a fresh peer identity with a random ID.
func New(displayName string) Peer {
	return Peer{
		ID:          PeerID(uuid.NewString()),
		DisplayName: displayName,
	}
}

func (p Peer) String() string {
	id := string(p.ID)
	if len(id) > 8 {
		id = id[:8]
	}
	if p.DisplayName == "" {
		return id
	}
	return p.DisplayName + "/" + id
}
