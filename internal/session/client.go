// Package session implements the reactive core over a proximity
// transport: peer discovery, connection lifecycle, typed payloads, and
// named byte streams, each exposed as multicast event streams instead of
// callbacks.
package session

import (
	"context"
	"log/slog"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/protocol"
	"github.com/proximitylab/nearby/internal/pubsub"
	"github.com/proximitylab/nearby/internal/store"
	"github.com/proximitylab/nearby/internal/transport"
)

type Config struct {
	Self    identity.Peer
	Session transport.Session
	Logger  *slog.Logger
	// History, when set, records discovered peers and received
	// resources. The core itself persists nothing.
	History *store.PeerLog
}

// Client is the facade composing the discovery, connection, payload and
// stream controllers against one peer identity and transport session.
type Client struct {
	self    identity.Peer
	session transport.Session
	logger  *slog.Logger
	history *store.PeerLog

	discovery   *DiscoveryController
	connections *ConnectionController
	payloads    *PayloadChannel
	streams     *StreamChannel

	done chan struct{}
}

func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		self:        cfg.Self,
		session:     cfg.Session,
		logger:      logger,
		history:     cfg.History,
		discovery:   newDiscoveryController(cfg.Session, logger),
		connections: newConnectionController(cfg.Session, logger),
		payloads:    newPayloadChannel(cfg.Session, logger, cfg.History),
		streams:     newStreamChannel(cfg.Session, logger),
		done:        make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// dispatch is the single logical timeline of the client: every transport
// callback passes through here, so the nearby-peer set and the
// connection set are only ever mutated from this goroutine and per-peer
// event order is preserved end to end.
func (c *Client) dispatch() {
	defer close(c.done)
	for event := range c.session.Events() {
		switch e := event.(type) {
		case transport.PeerFound:
			c.discovery.handleFound(e)
			c.recordPeer(e.Peer)
		case transport.PeerLost:
			c.discovery.handleLost(e)
		case transport.InvitationReceived:
			c.connections.handleInvitation(e)
		case transport.StateChanged:
			c.connections.handleStateChanged(e)
		case transport.DataReceived:
			c.payloads.handleData(e)
		case transport.StreamOpened:
			c.streams.handleStream(e)
		default:
			c.logger.Warn("Unhandled transport event", "kind", event.Kind().String())
		}
	}
	c.discovery.close()
	c.connections.close()
	c.payloads.close()
}

func (c *Client) recordPeer(p identity.Peer) {
	if c.history == nil {
		return
	}
	if err := c.history.RecordPeer(p); err != nil {
		c.logger.Warn("Failed to record peer", "peer", p.String(), "error", err)
	}
}

func (c *Client) Self() identity.Peer {
	return c.self
}

func (c *Client) StartAdvertising() error { return c.discovery.StartAdvertising() }
func (c *Client) StopAdvertising() error  { return c.discovery.StopAdvertising() }
func (c *Client) StartBrowsing() error    { return c.discovery.StartBrowsing() }
func (c *Client) StopBrowsing() error     { return c.discovery.StopBrowsing() }

func (c *Client) NearbyPeers() *pubsub.Subscription[[]DiscoveredPeer] {
	return c.discovery.NearbyPeers()
}

func (c *Client) IncomingConnections() *pubsub.Subscription[*transport.Invitation] {
	return c.connections.IncomingConnections()
}

func (c *Client) Connect(peer identity.Peer) {
	c.connections.Connect(peer)
}

func (c *Client) Disconnect() error {
	return c.connections.Disconnect()
}

func (c *Client) Connections() *pubsub.Subscription[[]identity.Peer] {
	return c.connections.Connections()
}

func (c *Client) ConnectedPeer() *pubsub.Subscription[identity.Peer] {
	return c.connections.ConnectedPeer()
}

func (c *Client) DisconnectedPeer() *pubsub.Subscription[identity.Peer] {
	return c.connections.DisconnectedPeer()
}

func (c *Client) Send(peer identity.Peer, payload protocol.Payload) <-chan error {
	return c.payloads.Send(peer, payload)
}

func (c *Client) Receive() *pubsub.Subscription[InboundPayload] {
	return c.payloads.Receive()
}

func (c *Client) SendStream(ctx context.Context, peer identity.Peer, name string) (StreamWriter, error) {
	return c.streams.Send(ctx, peer, name)
}

func (c *Client) ReceiveStream(peer identity.Peer, name string) *pubsub.Subscription[[]byte] {
	return c.streams.Receive(peer, name)
}

// Shutdown closes the transport session and waits for the dispatch loop
// to drain. All event streams complete.
func (c *Client) Shutdown() error {
	c.logger.Info("Shutting down session client", "peer", c.self.String())
	err := c.session.Close()
	<-c.done
	return err
}
