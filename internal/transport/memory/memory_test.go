package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

func waitEvent(t *testing.T, s *Session, want transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				t.Fatalf("Events closed while waiting for %s", want)
			}
			if e.Kind() == want {
				return e
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", want)
		}
	}
}

func TestBrowseReportsExistingAdvertiser(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), map[string]string{"mood": "curious"})
	bob := reg.NewSession(identity.New("bob"), nil)

	if err := alice.Advertise(true); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if err := bob.Browse(true); err != nil {
		t.Fatalf("Browse failed: %v", err)
	}

	found := waitEvent(t, bob, transport.EventPeerFound).(transport.PeerFound)
	if found.Peer.DisplayName != "alice" {
		t.Errorf("Expected to find alice, got %s", found.Peer.DisplayName)
	}
	if found.Metadata["mood"] != "curious" {
		t.Errorf("Metadata not carried: %v", found.Metadata)
	}
}

func TestAdvertiseStopDeliversLost(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), nil)
	bob := reg.NewSession(identity.New("bob"), nil)

	_ = bob.Browse(true)
	_ = alice.Advertise(true)
	waitEvent(t, bob, transport.EventPeerFound)

	_ = alice.Advertise(false)
	lost := waitEvent(t, bob, transport.EventPeerLost).(transport.PeerLost)
	if lost.Peer.ID != alice.Self().ID {
		t.Errorf("Expected alice lost, got %s", lost.Peer.DisplayName)
	}
}

func connectPair(t *testing.T, inviter, invitee *Session) {
	t.Helper()
	if err := inviter.Invite(invitee.Self(), []byte("hi")); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	inv := waitEvent(t, invitee, transport.EventInvitationReceived).(transport.InvitationReceived)
	inv.Invitation.Respond(true)

	for _, s := range []*Session{inviter, invitee} {
		for {
			e := waitEvent(t, s, transport.EventStateChanged).(transport.StateChanged)
			if e.State == transport.StateConnected {
				break
			}
		}
	}
}

func TestInviteAcceptConnectsBothSides(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), nil)
	bob := reg.NewSession(identity.New("bob"), nil)

	connectPair(t, alice, bob)

	if err := alice.SendRaw(bob.Self(), []byte("ping")); err != nil {
		t.Fatalf("SendRaw after connect failed: %v", err)
	}
	data := waitEvent(t, bob, transport.EventDataReceived).(transport.DataReceived)
	if string(data.Data) != "ping" {
		t.Errorf("Expected 'ping', got '%s'", data.Data)
	}
}

func TestInviteRejectLeavesBothDisconnected(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), nil)
	bob := reg.NewSession(identity.New("bob"), nil)

	_ = alice.Invite(bob.Self(), nil)
	inv := waitEvent(t, bob, transport.EventInvitationReceived).(transport.InvitationReceived)
	inv.Invitation.Respond(false)

	for _, s := range []*Session{alice, bob} {
		for {
			e := waitEvent(t, s, transport.EventStateChanged).(transport.StateChanged)
			if e.State == transport.StateNotConnected {
				break
			}
		}
	}

	if err := alice.SendRaw(bob.Self(), []byte("x")); err != transport.ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSendRawRequiresConnection(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), nil)
	bob := reg.NewSession(identity.New("bob"), nil)

	if err := alice.SendRaw(bob.Self(), []byte("x")); err != transport.ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestOpenStreamDeliversBytes(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), nil)
	bob := reg.NewSession(identity.New("bob"), nil)
	connectPair(t, alice, bob)

	w, err := alice.OpenStream(context.Background(), bob.Self(), "photo")
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	go func() {
		_, _ = w.Write([]byte("stream contents"))
		_ = w.Close()
	}()

	opened := waitEvent(t, bob, transport.EventStreamOpened).(transport.StreamOpened)
	if opened.Name != "photo" {
		t.Errorf("Expected stream 'photo', got '%s'", opened.Name)
	}
	data, err := io.ReadAll(opened.Reader)
	if err != nil {
		t.Fatalf("Reading stream failed: %v", err)
	}
	if string(data) != "stream contents" {
		t.Errorf("Stream data mismatch: '%s'", data)
	}
}

func TestDisconnectNotifiesBothEnds(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), nil)
	bob := reg.NewSession(identity.New("bob"), nil)
	connectPair(t, alice, bob)

	if err := alice.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	for _, s := range []*Session{alice, bob} {
		e := waitEvent(t, s, transport.EventStateChanged).(transport.StateChanged)
		if e.State != transport.StateNotConnected {
			t.Errorf("Expected NOT_CONNECTED, got %s", e.State)
		}
	}
}

func TestResetTearsDownEverything(t *testing.T) {
	reg := NewRegistry()
	alice := reg.NewSession(identity.New("alice"), nil)
	bob := reg.NewSession(identity.New("bob"), nil)
	connectPair(t, alice, bob)

	reg.Reset()

	for _, s := range []*Session{alice, bob} {
		drained := func() bool {
			deadline := time.After(5 * time.Second)
			for {
				select {
				case _, ok := <-s.Events():
					if !ok {
						return true
					}
				case <-deadline:
					return false
				}
			}
		}()
		if !drained {
			t.Fatal("Events channel not closed after Reset")
		}
	}
}
