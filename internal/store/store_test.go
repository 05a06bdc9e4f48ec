package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proximitylab/nearby/internal/identity"
)

func openTestLog(t *testing.T) *PeerLog {
	t.Helper()
	log, err := Open(":memory:")
	require.NoError(t, err)
	return log
}

func TestRecordPeerUpserts(t *testing.T) {
	log := openTestLog(t)
	peer := identity.New("alice")

	require.NoError(t, log.RecordPeer(peer))
	require.NoError(t, log.RecordPeer(peer))

	peers, err := log.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, string(peer.ID), peers[0].PeerID)
	require.Equal(t, "alice", peers[0].DisplayName)
}

func TestRecordPeerUpdatesDisplayName(t *testing.T) {
	log := openTestLog(t)
	peer := identity.New("alice")

	require.NoError(t, log.RecordPeer(peer))
	peer.DisplayName = "alice-on-laptop"
	require.NoError(t, log.RecordPeer(peer))

	peers, err := log.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "alice-on-laptop", peers[0].DisplayName)
}

func TestRecordTransfer(t *testing.T) {
	log := openTestLog(t)
	peer := identity.New("bob")

	require.NoError(t, log.RecordTransfer(peer, "resource", "photo.png", 2048))

	transfers, err := log.Transfers()
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, "photo.png", transfers[0].Name)
	require.Equal(t, int64(2048), transfers[0].Size)
	require.Equal(t, string(peer.ID), transfers[0].PeerID)
}
