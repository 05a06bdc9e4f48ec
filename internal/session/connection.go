package session

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/pubsub"
	"github.com/proximitylab/nearby/internal/transport"
)

// connState is the per-peer connection state machine:
// none -> pending -> connected -> disconnected, with re-entry to
// pending allowed after a disconnect.
type connState uint8

const (
	stateNone connState = iota
	statePending
	stateConnected
	stateDisconnected
)

// ConnectionController owns the connection set and re-emits transport
// lifecycle callbacks as event streams. The set is mutated only on the
// dispatch goroutine, never by caller code.
type ConnectionController struct {
	session transport.Session
	logger  *slog.Logger

	state map[identity.PeerID]connState
	peers map[identity.PeerID]identity.Peer

	incoming     *pubsub.Topic[*transport.Invitation]
	connected    *pubsub.Topic[identity.Peer]
	disconnected *pubsub.Topic[identity.Peer]
	members      *pubsub.Topic[[]identity.Peer]
}

func newConnectionController(sess transport.Session, logger *slog.Logger) *ConnectionController {
	c := &ConnectionController{
		session:      sess,
		logger:       logger,
		state:        make(map[identity.PeerID]connState),
		peers:        make(map[identity.PeerID]identity.Peer),
		incoming:     pubsub.New[*transport.Invitation](),
		connected:    pubsub.New[identity.Peer](),
		disconnected: pubsub.New[identity.Peer](),
		members:      pubsub.NewReplay[[]identity.Peer](),
	}
	// Seed so a subscriber arriving before any connection still gets
	// the current (empty) set replayed immediately.
	c.members.Publish([]identity.Peer{})
	return c
}

// IncomingConnections emits one invitation per inbound connection
// request. Each invitation must be responded to exactly once.
func (c *ConnectionController) IncomingConnections() *pubsub.Subscription[*transport.Invitation] {
	return c.incoming.Subscribe()
}

// Connect issues an outbound invitation. Fire and forget: the outcome
// surfaces on ConnectedPeer and Connections, not here.
func (c *ConnectionController) Connect(peer identity.Peer) {
	if err := c.session.Invite(peer, nil); err != nil {
		c.logger.Warn("Failed to invite peer", "peer", peer.String(), "error", err)
	}
}

// ConnectedPeer emits once per transition into the connected state,
// including re-connections.
func (c *ConnectionController) ConnectedPeer() *pubsub.Subscription[identity.Peer] {
	return c.connected.Subscribe()
}

// DisconnectedPeer emits once per transition out of the connected state.
func (c *ConnectionController) DisconnectedPeer() *pubsub.Subscription[identity.Peer] {
	return c.disconnected.Subscribe()
}

// Connections replays the current connected set immediately on
// subscription, then emits it again on every membership change.
func (c *ConnectionController) Connections() *pubsub.Subscription[[]identity.Peer] {
	return c.members.Subscribe()
}

// Disconnect tears down all active connections. Safe with none.
func (c *ConnectionController) Disconnect() error {
	if err := c.session.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (c *ConnectionController) handleInvitation(e transport.InvitationReceived) {
	c.state[e.Invitation.Peer.ID] = statePending
	c.incoming.Publish(e.Invitation)
}

func (c *ConnectionController) handleStateChanged(e transport.StateChanged) {
	switch e.State {
	case transport.StateConnecting:
		c.state[e.Peer.ID] = statePending

	case transport.StateConnected:
		if c.state[e.Peer.ID] == stateConnected {
			return
		}
		c.state[e.Peer.ID] = stateConnected
		c.peers[e.Peer.ID] = e.Peer
		c.logger.Info("Peer connected", "peer", e.Peer.String())
		c.connected.Publish(e.Peer)
		c.publishMembers()

	case transport.StateNotConnected:
		prev := c.state[e.Peer.ID]
		c.state[e.Peer.ID] = stateDisconnected
		if prev != stateConnected {
			// Rejected or abandoned invitation: the peer never was
			// connected, so nothing leaves the set.
			return
		}
		delete(c.peers, e.Peer.ID)
		c.logger.Info("Peer disconnected", "peer", e.Peer.String())
		c.disconnected.Publish(e.Peer)
		c.publishMembers()
	}
}

func (c *ConnectionController) publishMembers() {
	members := make([]identity.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})
	c.members.Publish(members)
}

func (c *ConnectionController) close() {
	c.incoming.Close()
	c.connected.Close()
	c.disconnected.Close()
	c.members.Close()
}
