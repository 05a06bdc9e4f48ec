package integration

import (
	"context"
	"testing"
	"time"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/logger"
	"github.com/proximitylab/nearby/internal/session"
	"github.com/proximitylab/nearby/internal/transport/quic"
)

// Network spins up session clients on real QUIC sessions bound to
// loopback. Peers are wired statically instead of via UDP beacons so
// tests stay hermetic.
type Network struct {
	clients  []*session.Client
	sessions []*quic.Session
	cancel   context.CancelFunc
	ctx      context.Context
	t        *testing.T
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	return &Network{
		cancel: cancel,
		ctx:    ctx,
		t:      t,
	}
}

func (n *Network) NewClient(name string) *session.Client {
	n.t.Helper()

	log := logger.NewLogger()
	self := identity.New(name)

	sess, err := quic.NewSession(quic.Config{
		Self:     self,
		Metadata: map[string]string{"name": name},
		Addr:     "127.0.0.1:0",
		Logger:   log,
	})
	if err != nil {
		n.t.Fatalf("Failed to create session: %v", err)
	}

	client := session.NewClient(session.Config{
		Self:    self,
		Session: sess,
		Logger:  log,
	})
	n.clients = append(n.clients, client)
	n.sessions = append(n.sessions, sess)
	return client
}

// Link makes two clients mutually reachable.
func (n *Network) Link(a, b *session.Client) {
	n.t.Helper()
	var sa, sb *quic.Session
	for i, c := range n.clients {
		if c == a {
			sa = n.sessions[i]
		}
		if c == b {
			sb = n.sessions[i]
		}
	}
	if sa == nil || sb == nil {
		n.t.Fatal("Link called with unknown client")
	}
	sa.AddKnownPeer(b.Self(), sb.Addr())
	sb.AddKnownPeer(a.Self(), sa.Addr())
}

func (n *Network) Context() context.Context {
	return n.ctx
}

func (n *Network) Close() {
	n.cancel()
	for _, c := range n.clients {
		_ = c.Shutdown()
	}
}
