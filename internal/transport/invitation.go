package transport

import (
	"sync"

	"github.com/proximitylab/nearby/internal/identity"
)

// Invitation is a single-use accept/reject capability for one inbound
// connection request. Respond consumes it; every later call is ignored,
// as is a response arriving after the transport has abandoned the
// handshake.
type Invitation struct {
	Peer    identity.Peer
	Context []byte

	once    sync.Once
	respond func(accept bool)
}

func NewInvitation(peer identity.Peer, context []byte, respond func(accept bool)) *Invitation {
	return &Invitation{Peer: peer, Context: context, respond: respond}
}

// Respond accepts or rejects the invitation. Exactly one call takes
// effect.
func (i *Invitation) Respond(accept bool) {
	i.once.Do(func() {
		if i.respond != nil {
			i.respond(accept)
		}
	})
}
