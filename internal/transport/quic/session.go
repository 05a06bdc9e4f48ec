// Package quic implements the transport session over QUIC on a local
// network: UDP broadcast beacons for advertise/browse, one gob control
// stream per connection for invitations and raw messages, and one QUIC
// stream per named byte stream.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

const (
	eventBuffer      = 256
	beaconInterval   = time.Second
	handshakeTimeout = 15 * time.Second
)

type Config struct {
	Self     identity.Peer
	Metadata map[string]string
	// Addr is the QUIC listen address, ":0" for ephemeral.
	Addr string
	// BeaconPort is the UDP discovery port shared by the LAN.
	BeaconPort int
	Logger     *slog.Logger
}

type knownPeer struct {
	peer     identity.Peer
	addr     string
	metadata map[string]string
}

// Session is one peer's endpoint. It satisfies transport.Session.
type Session struct {
	self     identity.Peer
	metadata map[string]string
	logger   *slog.Logger

	beaconPort int
	tlsConf    *tls.Config
	quicConf   *quic.Config
	listener   *quic.Listener
	events     chan transport.Event

	mu             sync.Mutex
	conns          map[identity.PeerID]*conn
	known          map[identity.PeerID]knownPeer
	advertising    bool
	browsing       bool
	closed         bool
	stopBeacon     chan struct{}
	beaconListener *net.UDPConn
}

var _ transport.Session = (*Session)(nil)

func NewSession(cfg Config) (*Session, error) {
	tlsConf, err := defaultTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building tls config: %w", err)
	}

	listener, err := quic.ListenAddr(cfg.Addr, tlsConf, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		self:       cfg.Self,
		metadata:   cfg.Metadata,
		logger:     logger,
		beaconPort: cfg.BeaconPort,
		tlsConf:    tlsConf,
		quicConf:   defaultQUICConfig(),
		listener:   listener,
		events:     make(chan transport.Event, eventBuffer),
		conns:      make(map[identity.PeerID]*conn),
		known:      make(map[identity.PeerID]knownPeer),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr is the local QUIC listen address.
func (s *Session) Addr() string {
	return s.listener.Addr().String()
}

// AddKnownPeer records a dialable address for peer without waiting for
// a beacon, for statically wired networks and tests.
func (s *Session) AddKnownPeer(peer identity.Peer, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[peer.ID] = knownPeer{peer: peer, addr: addr}
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
	if enabled {
		stop := make(chan struct{})
		s.stopBeacon = stop
		s.mu.Unlock()
		go s.beaconLoop(stop)
		return nil
	}
	stop := s.stopBeacon
	s.stopBeacon = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	s.sendBeacon(false)
	return nil
}

func (s *Session) Browse(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	if s.browsing == enabled {
		return nil
	}
	if !enabled {
		s.browsing = false
		if s.beaconListener != nil {
			_ = s.beaconListener.Close()
			s.beaconListener = nil
		}
		return nil
	}
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.beaconPort})
	if err != nil {
		return fmt.Errorf("listening for beacons: %w", err)
	}
	s.browsing = true
	s.beaconListener = udp
	go s.browseLoop(udp)
	return nil
}

// beaconLoop broadcasts presence until stopped. Repeating the beacon is
// what lets a browser that started first still converge.
func (s *Session) beaconLoop(stop chan struct{}) {
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()

	s.sendBeacon(true)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sendBeacon(true)
		}
	}
}

func (s *Session) sendBeacon(present bool) {
	port := s.listener.Addr().(*net.UDPAddr).Port
	data, err := encodeBeacon(beacon{
		Peer:     s.self,
		Metadata: s.metadata,
		Port:     port,
		Present:  present,
	})
	if err != nil {
		s.logger.Error("Failed to encode beacon", "error", err)
		return
	}
	out, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4bcast, Port: s.beaconPort})
	if err != nil {
		s.logger.Debug("Failed to open beacon socket", "error", err)
		return
	}
	defer func() { _ = out.Close() }()
	if _, err := out.Write(data); err != nil {
		s.logger.Debug("Failed to send beacon", "error", err)
	}
}

func (s *Session) browseLoop(udp *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, src, err := udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b, err := decodeBeacon(buf[:n])
		if err != nil {
			s.logger.Debug("Dropping malformed beacon", "from", src.String(), "error", err)
			continue
		}
		if b.Peer.ID == s.self.ID {
			continue
		}
		s.handleBeacon(b, src)
	}
}

// handleBeacon updates the known-peer table, emitting found/lost only
// on actual change so repeated beacons do not spam subscribers.
func (s *Session) handleBeacon(b beacon, src *net.UDPAddr) {
	addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(b.Port))

	s.mu.Lock()
	if s.closed || !s.browsing {
		s.mu.Unlock()
		return
	}
	prev, seen := s.known[b.Peer.ID]
	if !b.Present {
		if !seen {
			s.mu.Unlock()
			return
		}
		delete(s.known, b.Peer.ID)
		s.deliverLocked(transport.PeerLost{Peer: b.Peer})
		s.mu.Unlock()
		return
	}
	if seen && prev.addr == addr && equalMetadata(prev.metadata, b.Metadata) {
		s.mu.Unlock()
		return
	}
	s.known[b.Peer.ID] = knownPeer{peer: b.Peer, addr: addr, metadata: b.Metadata}
	s.deliverLocked(transport.PeerFound{Peer: b.Peer, Metadata: b.Metadata})
	s.mu.Unlock()
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

func (s *Session) Invite(peer identity.Peer, context []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	kp, ok := s.known[peer.ID]
	s.mu.Unlock()
	if !ok {
		return transport.ErrPeerUnavailable
	}
	s.deliver(transport.StateChanged{Peer: peer, State: transport.StateConnecting})
	go s.runInvite(peer, kp.addr, context)
	return nil
}

// runInvite dials the peer, sends the invitation on a fresh control
// stream, and waits for the verdict.
func (s *Session) runInvite(peer identity.Peer, addr string, contextData []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	qc, err := quic.DialAddr(ctx, addr, s.tlsConf, s.quicConf)
	if err != nil {
		s.logger.Warn("Failed to dial peer", "peer", peer.String(), "error", err)
		s.deliver(transport.StateChanged{Peer: peer, State: transport.StateNotConnected})
		return
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		s.logger.Warn("Failed to open control stream", "peer", peer.String(), "error", err)
		_ = qc.CloseWithError(0, "no control stream")
		s.deliver(transport.StateChanged{Peer: peer, State: transport.StateNotConnected})
		return
	}

	c := newConn(s, peer, qc, stream)
	if err := c.send(ctrlMessage{Kind: ctrlInvite, Peer: s.self, Context: contextData}); err != nil {
		s.logger.Warn("Failed to send invitation", "peer", peer.String(), "error", err)
		_ = qc.CloseWithError(0, "invite failed")
		s.deliver(transport.StateChanged{Peer: peer, State: transport.StateNotConnected})
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reply, err := c.receive()
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil || reply.Kind != ctrlAccept {
		if err == nil {
			s.logger.Info("Invitation rejected", "peer", peer.String())
		} else {
			s.logger.Warn("Invitation failed", "peer", peer.String(), "error", err)
		}
		_ = qc.CloseWithError(0, "not accepted")
		s.deliver(transport.StateChanged{Peer: peer, State: transport.StateNotConnected})
		return
	}

	s.register(c)
}

func (s *Session) acceptLoop() {
	for {
		qc, err := s.listener.Accept(context.Background())
		if err != nil {
			return
		}
		go s.handleConn(qc)
	}
}

// handleConn runs the invitee side of the handshake.
func (s *Session) handleConn(qc *quic.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no control stream")
		return
	}

	c := newConn(s, identity.Peer{}, qc, stream)
	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, err := c.receive()
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil || hello.Kind != ctrlInvite {
		_ = qc.CloseWithError(0, "bad handshake")
		return
	}
	c.peer = hello.Peer

	s.deliver(transport.StateChanged{Peer: hello.Peer, State: transport.StateConnecting})
	inv := transport.NewInvitation(hello.Peer, hello.Context, func(accept bool) {
		if !accept {
			_ = c.send(ctrlMessage{Kind: ctrlReject})
			_ = qc.CloseWithError(0, "rejected")
			s.deliver(transport.StateChanged{Peer: hello.Peer, State: transport.StateNotConnected})
			return
		}
		if err := c.send(ctrlMessage{Kind: ctrlAccept, Peer: s.self}); err != nil {
			s.logger.Warn("Failed to accept invitation", "peer", hello.Peer.String(), "error", err)
			_ = qc.CloseWithError(0, "accept failed")
			s.deliver(transport.StateChanged{Peer: hello.Peer, State: transport.StateNotConnected})
			return
		}
		s.register(c)
	})
	s.deliver(transport.InvitationReceived{Invitation: inv})
}

// register installs an established connection and starts its loops.
func (s *Session) register(c *conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.qc.CloseWithError(0, "session closed")
		return
	}
	if old, ok := s.conns[c.peer.ID]; ok {
		_ = old.qc.CloseWithError(0, "superseded")
	}
	s.conns[c.peer.ID] = c
	s.mu.Unlock()

	s.deliver(transport.StateChanged{Peer: c.peer, State: transport.StateConnected})
	go c.readControl()
	go c.acceptStreams()
}

// drop removes an established connection, reporting the loss unless the
// session is closing.
func (s *Session) drop(c *conn) {
	s.mu.Lock()
	cur, ok := s.conns[c.peer.ID]
	if !ok || cur != c || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.peer.ID)
	s.mu.Unlock()

	_ = c.qc.CloseWithError(0, "closed")
	s.deliver(transport.StateChanged{Peer: c.peer, State: transport.StateNotConnected})
}

func (s *Session) SendRaw(peer identity.Peer, data []byte) error {
	s.mu.Lock()
	c, ok := s.conns[peer.ID]
	s.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}
	if err := c.send(ctrlMessage{Kind: ctrlData, Data: data}); err != nil {
		return fmt.Errorf("sending raw message: %w", err)
	}
	return nil
}

func (s *Session) OpenStream(ctx context.Context, peer identity.Peer, name string) (io.WriteCloser, error) {
	s.mu.Lock()
	c, ok := s.conns[peer.ID]
	s.mu.Unlock()
	if !ok {
		return nil, transport.ErrNotConnected
	}
	stream, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening stream %q: %w", name, err)
	}
	if err := writeStreamHeader(stream, name); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("writing stream header: %w", err)
	}
	return stream, nil
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
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.qc.CloseWithError(0, "disconnect")
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
	stop := s.stopBeacon
	s.stopBeacon = nil
	s.advertising = false
	s.browsing = false
	if s.beaconListener != nil {
		_ = s.beaconListener.Close()
		s.beaconListener = nil
	}
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[identity.PeerID]*conn)
	s.closed = true
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if advertising {
		s.sendBeacon(false)
	}
	for _, c := range conns {
		_ = c.qc.CloseWithError(0, "session closed")
	}
	err := s.listener.Close()
	close(s.events)
	return err
}

func (s *Session) deliver(e transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(e)
}

// deliverLocked enqueues an event; caller holds s.mu. The closed check
// under the lock is what makes Close's channel close safe.
func (s *Session) deliverLocked(e transport.Event) {
	if s.closed {
		return
	}
	s.events <- e
}
