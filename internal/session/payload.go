package session

import (
	"fmt"
	"log/slog"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/protocol"
	"github.com/proximitylab/nearby/internal/pubsub"
	"github.com/proximitylab/nearby/internal/store"
	"github.com/proximitylab/nearby/internal/transport"
)

// InboundPayload pairs a decoded payload with its sender.
type InboundPayload struct {
	From    identity.Peer
	Payload protocol.Payload
}

// PayloadChannel multiplexes typed payloads over the transport's raw
// message primitive and re-emits inbound messages on a multicast stream.
type PayloadChannel struct {
	session transport.Session
	logger  *slog.Logger
	codec   *protocol.Codec
	history *store.PeerLog
	inbound *pubsub.Topic[InboundPayload]
}

func newPayloadChannel(sess transport.Session, logger *slog.Logger, history *store.PeerLog) *PayloadChannel {
	return &PayloadChannel{
		session: sess,
		logger:  logger,
		codec:   protocol.NewCodec(),
		history: history,
		inbound: pubsub.New[InboundPayload](),
	}
}

// Send serializes the payload and hands it to the transport. The
// returned channel yields at most one error and closes once the
// transport has confirmed the handoff; a close without an element means
// delivered. Failures never drop silently.
func (p *PayloadChannel) Send(peer identity.Peer, payload protocol.Payload) <-chan error {
	result := make(chan error, 1)
	data, err := p.codec.EncodeToBytes(payload)
	if err != nil {
		result <- fmt.Errorf("encoding payload: %w", err)
		close(result)
		return result
	}
	if err := p.session.SendRaw(peer, data); err != nil {
		result <- fmt.Errorf("sending payload: %w", err)
	}
	close(result)
	return result
}

// Receive is the multicast stream of all decoded inbound payloads.
// Subscribers dispatch on the concrete payload type.
func (p *PayloadChannel) Receive() *pubsub.Subscription[InboundPayload] {
	return p.inbound.Subscribe()
}

func (p *PayloadChannel) handleData(e transport.DataReceived) {
	payload, err := p.codec.DecodeFromBytes(e.Data)
	if err != nil {
		// Not a fault: the bytes were meant for some other decoder.
		p.logger.Debug("Dropping undecodable payload", "peer", e.Peer.String(), "error", err)
		return
	}
	if r, ok := payload.(*protocol.Resource); ok && p.history != nil {
		if err := p.history.RecordTransfer(e.Peer, "resource", r.Name, r.Size()); err != nil {
			p.logger.Warn("Failed to record transfer", "error", err)
		}
	}
	p.inbound.Publish(InboundPayload{From: e.Peer, Payload: payload})
}

func (p *PayloadChannel) close() {
	p.inbound.Close()
}
