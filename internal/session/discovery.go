package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/pubsub"
	"github.com/proximitylab/nearby/internal/transport"
)

// DiscoveredPeer is one entry of the nearby-peer set.
type DiscoveredPeer struct {
	Peer     identity.Peer
	Metadata map[string]string
}

// DiscoveryController turns transport found/lost callbacks into a
// continuously updated snapshot stream of the nearby-peer set. The set
// itself is owned here and mutated only on the dispatch goroutine.
type DiscoveryController struct {
	session transport.Session
	logger  *slog.Logger

	mu          sync.Mutex
	advertising bool
	browsing    bool

	peers  map[identity.PeerID]DiscoveredPeer
	nearby *pubsub.Topic[[]DiscoveredPeer]
}

func newDiscoveryController(sess transport.Session, logger *slog.Logger) *DiscoveryController {
	return &DiscoveryController{
		session: sess,
		logger:  logger,
		peers:   make(map[identity.PeerID]DiscoveredPeer),
		nearby:  pubsub.NewReplay[[]DiscoveredPeer](),
	}
}

// StartAdvertising makes the local peer discoverable. Calling it while
// already advertising is a no-op, never a duplicate advertising session.
func (d *DiscoveryController) StartAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.advertising {
		return nil
	}
	if err := d.session.Advertise(true); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	d.advertising = true
	return nil
}

func (d *DiscoveryController) StopAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.advertising {
		return nil
	}
	if err := d.session.Advertise(false); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	d.advertising = false
	return nil
}

func (d *DiscoveryController) StartBrowsing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browsing {
		return nil
	}
	if err := d.session.Browse(true); err != nil {
		return fmt.Errorf("start browsing: %w", err)
	}
	d.browsing = true
	return nil
}

func (d *DiscoveryController) StopBrowsing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.browsing {
		return nil
	}
	if err := d.session.Browse(false); err != nil {
		return fmt.Errorf("stop browsing: %w", err)
	}
	d.browsing = false
	return nil
}

// NearbyPeers is the snapshot stream of the discovered peer set: one
// emission per found/lost event. A late subscriber immediately receives
// the last known snapshot.
func (d *DiscoveryController) NearbyPeers() *pubsub.Subscription[[]DiscoveredPeer] {
	return d.nearby.Subscribe()
}

func (d *DiscoveryController) handleFound(e transport.PeerFound) {
	// Last metadata wins on duplicate discovery.
	d.peers[e.Peer.ID] = DiscoveredPeer{Peer: e.Peer, Metadata: e.Metadata}
	d.logger.Debug("Peer found", "peer", e.Peer.String())
	d.publishSnapshot()
}

func (d *DiscoveryController) handleLost(e transport.PeerLost) {
	if _, ok := d.peers[e.Peer.ID]; !ok {
		return
	}
	delete(d.peers, e.Peer.ID)
	d.logger.Debug("Peer lost", "peer", e.Peer.String())
	d.publishSnapshot()
}

func (d *DiscoveryController) publishSnapshot() {
	snapshot := make([]DiscoveredPeer, 0, len(d.peers))
	for _, p := range d.peers {
		snapshot = append(snapshot, p)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Peer.ID < snapshot[j].Peer.ID
	})
	d.nearby.Publish(snapshot)
}

func (d *DiscoveryController) close() {
	d.nearby.Close()
}
