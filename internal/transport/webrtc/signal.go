package webrtc

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"
	"sync"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

// Signaler carries envelopes between peers out of band, before any
// direct connection exists. Announce reaches every peer on the same
// signaling channel; Send targets one.
type Signaler interface {
	Announce(ctx context.Context, payload []byte) error
	Send(ctx context.Context, to identity.PeerID, payload []byte) error
	Recv() <-chan Signal
	io.Closer
}

type Signal struct {
	From    identity.Peer
	Payload []byte
}

type envelopeKind uint8

const (
	envAnnounce envelopeKind = iota + 1
	envLeave
	envProbe
	envOffer
	envAnswer
	envReject
	envCandidate
)

// envelope is the signaling wire format: presence, SDP exchange and
// trickled ICE candidates all travel in the same frame.
type envelope struct {
	Kind      envelopeKind
	SDP       string
	Candidate string
	Context   []byte
	Metadata  map[string]string
}

func encodeEnvelope(env envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env)
	return env, err
}

const signalBuffer = 64

// LocalSignalBus is an in-process signaling hub. Every joined peer
// sees every Announce; Send is point to point.
type LocalSignalBus struct {
	mu    sync.Mutex
	ports map[identity.PeerID]*busPort
}

func NewLocalSignalBus() *LocalSignalBus {
	return &LocalSignalBus{ports: make(map[identity.PeerID]*busPort)}
}

// Join registers self on the bus and returns its signaler.
func (b *LocalSignalBus) Join(self identity.Peer) Signaler {
	b.mu.Lock()
	defer b.mu.Unlock()
	port := &busPort{bus: b, self: self, ch: make(chan Signal, signalBuffer)}
	b.ports[self.ID] = port
	return port
}

type busPort struct {
	bus    *LocalSignalBus
	self   identity.Peer
	ch     chan Signal
	closed bool
}

var _ Signaler = (*busPort)(nil)

func (p *busPort) Announce(_ context.Context, payload []byte) error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if p.closed {
		return transport.ErrSessionClosed
	}
	for id, other := range p.bus.ports {
		if id == p.self.ID {
			continue
		}
		other.ch <- Signal{From: p.self, Payload: payload}
	}
	return nil
}

func (p *busPort) Send(_ context.Context, to identity.PeerID, payload []byte) error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if p.closed {
		return transport.ErrSessionClosed
	}
	other, ok := p.bus.ports[to]
	if !ok {
		return transport.ErrPeerUnavailable
	}
	other.ch <- Signal{From: p.self, Payload: payload}
	return nil
}

func (p *busPort) Recv() <-chan Signal {
	return p.ch
}

func (p *busPort) Close() error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	delete(p.bus.ports, p.self.ID)
	close(p.ch)
	return nil
}
