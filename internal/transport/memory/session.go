package memory

import (
	"context"
	"io"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

const eventBuffer = 256

// Session is one peer's endpoint on a Registry. All state is guarded by
// the registry mutex, so cross-session operations stay atomic and event
// order per peer is never violated.
type Session struct {
	registry *Registry
	self     identity.Peer
	metadata map[string]string
	events   chan transport.Event

	// guarded by registry.mu
	advertising bool
	browsing    bool
	connected   map[identity.PeerID]identity.Peer
	closed      bool
}

var _ transport.Session = (*Session)(nil)

func (s *Session) Self() identity.Peer {
	return s.self
}

func (s *Session) Advertise(enabled bool) error {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	if s.advertising == enabled {
		return nil
	}
	s.advertising = enabled
	for _, other := range r.sessions {
		if other == s || !other.browsing {
			continue
		}
		if enabled {
			other.deliver(transport.PeerFound{Peer: s.self, Metadata: s.metadata})
		} else {
			other.deliver(transport.PeerLost{Peer: s.self})
		}
	}
	return nil
}

func (s *Session) Browse(enabled bool) error {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	if s.browsing == enabled {
		return nil
	}
	s.browsing = enabled
	if !enabled {
		return nil
	}
	// Report peers that started advertising before we began scanning.
	for _, other := range r.sessions {
		if other == s || !other.advertising {
			continue
		}
		s.deliver(transport.PeerFound{Peer: other.self, Metadata: other.metadata})
	}
	return nil
}

func (s *Session) Invite(peer identity.Peer, context []byte) error {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	target, ok := r.sessions[peer.ID]
	if !ok || target.closed {
		return transport.ErrPeerUnavailable
	}
	s.deliver(transport.StateChanged{Peer: target.self, State: transport.StateConnecting})
	target.deliver(transport.StateChanged{Peer: s.self, State: transport.StateConnecting})
	inv := transport.NewInvitation(s.self, context, func(accept bool) {
		r.resolve(s, target, accept)
	})
	target.deliver(transport.InvitationReceived{Invitation: inv})
	return nil
}

func (s *Session) SendRaw(peer identity.Peer, data []byte) error {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	target, ok := r.sessions[peer.ID]
	if !ok {
		return transport.ErrNotConnected
	}
	if _, ok := s.connected[peer.ID]; !ok {
		return transport.ErrNotConnected
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	target.deliver(transport.DataReceived{Peer: s.self, Data: buf})
	return nil
}

func (s *Session) OpenStream(_ context.Context, peer identity.Peer, name string) (io.WriteCloser, error) {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return nil, transport.ErrSessionClosed
	}
	target, ok := r.sessions[peer.ID]
	if !ok {
		return nil, transport.ErrNotConnected
	}
	if _, ok := s.connected[peer.ID]; !ok {
		return nil, transport.ErrNotConnected
	}
	pr, pw := io.Pipe()
	target.deliver(transport.StreamOpened{Peer: s.self, Name: name, Reader: pr})
	return pw, nil
}

func (s *Session) Disconnect() error {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	s.disconnectAllLocked()
	return nil
}

// disconnectAllLocked drops every connection, notifying both ends.
// Caller holds registry.mu.
func (s *Session) disconnectAllLocked() {
	peers := make([]identity.Peer, 0, len(s.connected))
	for _, p := range s.connected {
		peers = append(peers, p)
	}
	for _, p := range peers {
		delete(s.connected, p.ID)
		s.deliver(transport.StateChanged{Peer: p, State: transport.StateNotConnected})
		other, ok := s.registry.sessions[p.ID]
		if !ok || other.closed {
			continue
		}
		delete(other.connected, s.self.ID)
		other.deliver(transport.StateChanged{Peer: s.self, State: transport.StateNotConnected})
	}
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) Close() error {
	r := s.registry
	r.mu.Lock()
	if s.closed {
		r.mu.Unlock()
		return nil
	}
	s.disconnectAllLocked()
	if s.advertising {
		for _, other := range r.sessions {
			if other != s && other.browsing {
				other.deliver(transport.PeerLost{Peer: s.self})
			}
		}
	}
	s.closed = true
	delete(r.sessions, s.self.ID)
	r.mu.Unlock()

	close(s.events)
	return nil
}

// deliver enqueues an event. Caller holds registry.mu, which is what
// makes the closed check safe against Close. Delivery blocks when the
// buffer is full; the consumer's dispatch loop is expected to drain.
func (s *Session) deliver(e transport.Event) {
	if s.closed {
		return
	}
	s.events <- e
}
