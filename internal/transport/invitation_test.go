package transport

import (
	"testing"

	"github.com/proximitylab/nearby/internal/identity"
)

func TestInvitationRespondsOnce(t *testing.T) {
	var calls int
	var got bool
	inv := NewInvitation(identity.New("alice"), []byte("ctx"), func(accept bool) {
		calls++
		got = accept
	})

	inv.Respond(true)
	inv.Respond(false)
	inv.Respond(true)

	if calls != 1 {
		t.Fatalf("Expected exactly one response, got %d", calls)
	}
	if !got {
		t.Error("Expected the first response to win")
	}
}

func TestInvitationCarriesContext(t *testing.T) {
	peer := identity.New("bob")
	inv := NewInvitation(peer, []byte("game: chess"), nil)

	if inv.Peer.ID != peer.ID {
		t.Errorf("Expected peer %s, got %s", peer.ID, inv.Peer.ID)
	}
	if string(inv.Context) != "game: chess" {
		t.Errorf("Context mismatch: %q", inv.Context)
	}

	// A nil responder must not panic.
	inv.Respond(false)
}
