// Package webrtc implements the transport session over WebRTC data
// channels, using an out-of-band signaler for discovery and SDP
// exchange. It reaches peers across networks where QUIC beacons
// cannot, at the cost of needing a rendezvous channel.
package webrtc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

const eventBuffer = 256

type Config struct {
	Self        identity.Peer
	Metadata    map[string]string
	Signaler    Signaler
	STUNServers []string
	Logger      *slog.Logger
}

type Session struct {
	self     identity.Peer
	metadata map[string]string
	signaler Signaler
	logger   *slog.Logger
	config   webrtc.Configuration
	events   chan transport.Event

	mu          sync.Mutex
	conns       map[identity.PeerID]*conn
	established map[identity.PeerID]*conn
	candidates  map[identity.PeerID][]string
	known       map[identity.PeerID]map[string]string
	advertising bool
	browsing    bool
	closed      bool
}

var _ transport.Session = (*Session)(nil)

func NewSession(cfg Config) (*Session, error) {
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("signaler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, server := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	s := &Session{
		self:     cfg.Self,
		metadata: cfg.Metadata,
		signaler: cfg.Signaler,
		logger:   logger,
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		events:      make(chan transport.Event, eventBuffer),
		conns:       make(map[identity.PeerID]*conn),
		established: make(map[identity.PeerID]*conn),
		candidates:  make(map[identity.PeerID][]string),
		known:       make(map[identity.PeerID]map[string]string),
	}
	go s.consumeSignals()
	return s, nil
}

func (s *Session) Advertise(enabled bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	if s.advertising == enabled {
		s.mu.Unlock()
		return nil
	}
	s.advertising = enabled
	s.mu.Unlock()

	kind := envAnnounce
	if !enabled {
		kind = envLeave
	}
	return s.announce(kind)
}

func (s *Session) Browse(enabled bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	if s.browsing == enabled {
		s.mu.Unlock()
		return nil
	}
	s.browsing = enabled
	s.mu.Unlock()

	if !enabled {
		return nil
	}
	// Advertisers already present answer the probe with a direct
	// announce, so a late browser still converges.
	return s.announce(envProbe)
}

func (s *Session) announce(kind envelopeKind) error {
	payload, err := encodeEnvelope(envelope{Kind: kind, Metadata: s.metadata})
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}
	if err := s.signaler.Announce(context.Background(), payload); err != nil {
		return fmt.Errorf("announcing: %w", err)
	}
	return nil
}

func (s *Session) sendEnvelope(to identity.PeerID, env envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return s.signaler.Send(context.Background(), to, payload)
}

func (s *Session) sendCandidate(peer identity.Peer, candidate string) {
	if err := s.sendEnvelope(peer.ID, envelope{Kind: envCandidate, Candidate: candidate}); err != nil {
		s.logger.Debug("Failed to send candidate", "peer", peer.String(), "error", err)
	}
}

func (s *Session) Invite(peer identity.Peer, contextData []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	if _, ok := s.conns[peer.ID]; ok {
		s.mu.Unlock()
		return nil
	}

	pc, err := webrtc.NewPeerConnection(s.config)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("creating peer connection: %w", err)
	}
	c := newConn(s, peer, pc, true)
	s.conns[peer.ID] = c
	s.deliverLocked(transport.StateChanged{Peer: peer, State: transport.StateConnecting})
	s.mu.Unlock()

	if err := c.createControl(); err != nil {
		s.abandon(c)
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.abandon(c)
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.abandon(c)
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := s.sendEnvelope(peer.ID, envelope{Kind: envOffer, SDP: offer.SDP, Context: contextData}); err != nil {
		s.abandon(c)
		return fmt.Errorf("sending offer: %w", err)
	}
	return nil
}

// abandon tears down a connection that never became established.
func (s *Session) abandon(c *conn) {
	s.mu.Lock()
	if s.conns[c.peer.ID] == c {
		delete(s.conns, c.peer.ID)
	}
	s.deliverLocked(transport.StateChanged{Peer: c.peer, State: transport.StateNotConnected})
	s.mu.Unlock()
	c.close()
}

func (s *Session) consumeSignals() {
	for sig := range s.signaler.Recv() {
		env, err := decodeEnvelope(sig.Payload)
		if err != nil {
			s.logger.Debug("Dropping malformed signal", "from", sig.From.String(), "error", err)
			continue
		}
		s.handleSignal(sig.From, env)
	}
}

func (s *Session) handleSignal(from identity.Peer, env envelope) {
	switch env.Kind {
	case envAnnounce:
		s.handleAnnounce(from, env.Metadata)
	case envLeave:
		s.handleLeave(from)
	case envProbe:
		s.handleProbe(from)
	case envOffer:
		s.handleOffer(from, env)
	case envAnswer:
		s.handleAnswer(from, env.SDP)
	case envReject:
		s.handleReject(from)
	case envCandidate:
		s.handleCandidate(from, env.Candidate)
	}
}

func (s *Session) handleAnnounce(from identity.Peer, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.browsing {
		return
	}
	if prev, ok := s.known[from.ID]; ok && equalMetadata(prev, metadata) {
		return
	}
	s.known[from.ID] = metadata
	s.deliverLocked(transport.PeerFound{Peer: from, Metadata: metadata})
}

func equalMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (s *Session) handleLeave(from identity.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.browsing {
		return
	}
	if _, ok := s.known[from.ID]; !ok {
		return
	}
	delete(s.known, from.ID)
	s.deliverLocked(transport.PeerLost{Peer: from})
}

func (s *Session) handleProbe(from identity.Peer) {
	s.mu.Lock()
	advertising := s.advertising && !s.closed
	s.mu.Unlock()
	if !advertising {
		return
	}
	if err := s.sendEnvelope(from.ID, envelope{Kind: envAnnounce, Metadata: s.metadata}); err != nil {
		s.logger.Debug("Failed to answer probe", "peer", from.String(), "error", err)
	}
}

func (s *Session) handleOffer(from identity.Peer, env envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.conns[from.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.deliverLocked(transport.StateChanged{Peer: from, State: transport.StateConnecting})
	s.mu.Unlock()

	inv := transport.NewInvitation(from, env.Context, func(accept bool) {
		if !accept {
			if err := s.sendEnvelope(from.ID, envelope{Kind: envReject}); err != nil {
				s.logger.Debug("Failed to send rejection", "peer", from.String(), "error", err)
			}
			s.deliver(transport.StateChanged{Peer: from, State: transport.StateNotConnected})
			return
		}
		if err := s.acceptOffer(from, env.SDP); err != nil {
			s.logger.Warn("Failed to accept invitation", "peer", from.String(), "error", err)
			s.deliver(transport.StateChanged{Peer: from, State: transport.StateNotConnected})
		}
	})
	s.deliver(transport.InvitationReceived{Invitation: inv})
}

// acceptOffer runs the answerer side of the SDP exchange.
func (s *Session) acceptOffer(from identity.Peer, sdp string) error {
	pc, err := webrtc.NewPeerConnection(s.config)
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	c := newConn(s, from, pc, false)

	s.mu.Lock()
	s.conns[from.ID] = c
	pending := s.candidates[from.ID]
	delete(s.candidates, from.ID)
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		s.abandon(c)
		return fmt.Errorf("setting remote description: %w", err)
	}
	for _, candidate := range pending {
		if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
			s.logger.Debug("Failed to add buffered candidate", "peer", from.String(), "error", err)
		}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.abandon(c)
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.abandon(c)
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := s.sendEnvelope(from.ID, envelope{Kind: envAnswer, SDP: answer.SDP}); err != nil {
		s.abandon(c)
		return fmt.Errorf("sending answer: %w", err)
	}
	return nil
}

func (s *Session) handleAnswer(from identity.Peer, sdp string) {
	s.mu.Lock()
	c, ok := s.conns[from.ID]
	s.mu.Unlock()
	if !ok || !c.isInitiator {
		return
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		s.logger.Warn("Failed to apply answer", "peer", from.String(), "error", err)
		s.abandon(c)
	}
}

func (s *Session) handleReject(from identity.Peer) {
	s.mu.Lock()
	c, ok := s.conns[from.ID]
	if ok {
		delete(s.conns, from.ID)
		s.deliverLocked(transport.StateChanged{Peer: from, State: transport.StateNotConnected})
	}
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// handleCandidate applies a trickled candidate, buffering it when the
// offer has not been answered yet.
func (s *Session) handleCandidate(from identity.Peer, candidate string) {
	s.mu.Lock()
	c, ok := s.conns[from.ID]
	if !ok {
		if !s.closed {
			s.candidates[from.ID] = append(s.candidates[from.ID], candidate)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		s.logger.Debug("Failed to add candidate", "peer", from.String(), "error", err)
	}
}

// connReady fires once per connection, when its control channel opens.
func (s *Session) connReady(c *conn) {
	s.mu.Lock()
	if s.closed || s.conns[c.peer.ID] != c {
		s.mu.Unlock()
		c.close()
		return
	}
	s.established[c.peer.ID] = c
	s.deliverLocked(transport.StateChanged{Peer: c.peer, State: transport.StateConnected})
	s.mu.Unlock()
}

// drop removes a dead connection, reporting the loss only if it had
// been established.
func (s *Session) drop(c *conn) {
	c.dropOnce.Do(func() {
		s.mu.Lock()
		if s.conns[c.peer.ID] == c {
			delete(s.conns, c.peer.ID)
		}
		_, wasEstablished := s.established[c.peer.ID]
		if wasEstablished && s.established[c.peer.ID] == c {
			delete(s.established, c.peer.ID)
			s.deliverLocked(transport.StateChanged{Peer: c.peer, State: transport.StateNotConnected})
		}
		s.mu.Unlock()
		c.close()
	})
}

func (s *Session) SendRaw(peer identity.Peer, data []byte) error {
	s.mu.Lock()
	c, ok := s.established[peer.ID]
	s.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}
	if err := c.sendRaw(data); err != nil {
		return fmt.Errorf("sending raw message: %w", err)
	}
	return nil
}

func (s *Session) OpenStream(ctx context.Context, peer identity.Peer, name string) (io.WriteCloser, error) {
	s.mu.Lock()
	c, ok := s.established[peer.ID]
	s.mu.Unlock()
	if !ok {
		return nil, transport.ErrNotConnected
	}
	return c.openStream(ctx, name)
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[identity.PeerID]*conn)
	for id := range s.established {
		delete(s.established, id)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.dropOnce.Do(func() {})
		c.close()
		s.deliver(transport.StateChanged{Peer: c.peer, State: transport.StateNotConnected})
	}
	return nil
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	advertising := s.advertising
	s.advertising = false
	s.browsing = false
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[identity.PeerID]*conn)
	s.established = make(map[identity.PeerID]*conn)
	s.closed = true
	s.mu.Unlock()

	if advertising {
		if err := s.announce(envLeave); err != nil {
			s.logger.Debug("Failed to announce departure", "error", err)
		}
	}
	for _, c := range conns {
		c.dropOnce.Do(func() {})
		c.close()
	}
	err := s.signaler.Close()
	close(s.events)
	return err
}

func (s *Session) deliver(e transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(e)
}

func (s *Session) deliverLocked(e transport.Event) {
	if s.closed {
		return
	}
	s.events <- e
}
