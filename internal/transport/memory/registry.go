// Package memory implements the transport session against an in-process
// registry, so the reactive core can be exercised without radios or
// sockets. The registry is owned by the caller and injected into every
// session at construction; Reset tears the whole network down between
// runs. There is no package-level state.
package memory

import (
	"sync"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

// Registry is the shared medium connecting in-memory sessions. Its
// mutex serializes every mutation, which is what preserves per-peer
// event order across the whole network.
type Registry struct {
	mu       sync.Mutex
	sessions map[identity.PeerID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[identity.PeerID]*Session)}
}

// NewSession registers a new peer on the registry and returns its
// transport session.
func (r *Registry) NewSession(self identity.Peer, metadata map[string]string) *Session {
	s := &Session{
		registry:  r,
		self:      self,
		metadata:  metadata,
		events:    make(chan transport.Event, eventBuffer),
		connected: make(map[identity.PeerID]identity.Peer),
	}
	r.mu.Lock()
	r.sessions[self.ID] = s
	r.mu.Unlock()
	return s
}

// Reset hard-tears-down every session: no disconnect or lost events are
// delivered, event channels just close. Meant for test teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.closed = true
		sessions = append(sessions, s)
	}
	r.sessions = make(map[identity.PeerID]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		close(s.events)
	}
}

// resolve settles an invitation between two live sessions.
func (r *Registry) resolve(inviter, invitee *Session, accept bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inviter.closed || invitee.closed {
		return
	}
	if accept {
		inviter.connected[invitee.self.ID] = invitee.self
		invitee.connected[inviter.self.ID] = inviter.self
		inviter.deliver(transport.StateChanged{Peer: invitee.self, State: transport.StateConnected})
		invitee.deliver(transport.StateChanged{Peer: inviter.self, State: transport.StateConnected})
		return
	}
	inviter.deliver(transport.StateChanged{Peer: invitee.self, State: transport.StateNotConnected})
	invitee.deliver(transport.StateChanged{Peer: inviter.self, State: transport.StateNotConnected})
}
