package quic

import (
	"bytes"
	"crypto/x509"
	"strings"
	"testing"
	"time"

	"github.com/proximitylab/nearby/internal/identity"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("Expected at least one certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("Parsing certificate failed: %v", err)
	}
	if time.Now().After(leaf.NotAfter) {
		t.Error("Certificate already expired")
	}
}

func TestBeaconRoundTrip(t *testing.T) {
	in := beacon{
		Peer:     identity.New("alice"),
		Metadata: map[string]string{"name": "alice"},
		Port:     54321,
		Present:  true,
	}

	data, err := encodeBeacon(in)
	if err != nil {
		t.Fatalf("encodeBeacon failed: %v", err)
	}

	out, err := decodeBeacon(data)
	if err != nil {
		t.Fatalf("decodeBeacon failed: %v", err)
	}
	if out.Peer.ID != in.Peer.ID {
		t.Errorf("Peer ID mismatch: %s != %s", out.Peer.ID, in.Peer.ID)
	}
	if out.Port != 54321 || !out.Present {
		t.Errorf("Beacon fields mismatch: %+v", out)
	}
	if out.Metadata["name"] != "alice" {
		t.Errorf("Metadata mismatch: %v", out.Metadata)
	}
}

func TestDecodeBeaconGarbage(t *testing.T) {
	if _, err := decodeBeacon([]byte("garbage")); err == nil {
		t.Error("Expected error decoding garbage beacon")
	}
}

func TestStreamHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStreamHeader(&buf, "photo-album"); err != nil {
		t.Fatalf("writeStreamHeader failed: %v", err)
	}

	name, err := readStreamHeader(&buf)
	if err != nil {
		t.Fatalf("readStreamHeader failed: %v", err)
	}
	if name != "photo-album" {
		t.Errorf("Expected 'photo-album', got '%s'", name)
	}
	// The header must consume exactly its own bytes.
	if buf.Len() != 0 {
		t.Errorf("Header left %d stray bytes", buf.Len())
	}
}

func TestStreamHeaderRejectsLongNames(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStreamHeader(&buf, strings.Repeat("x", maxStreamName+1)); err == nil {
		t.Error("Expected error for oversized stream name")
	}
}

func TestEqualMetadata(t *testing.T) {
	tests := []struct {
		a, b map[string]string
		want bool
	}{
		{nil, nil, true},
		{map[string]string{"k": "v"}, map[string]string{"k": "v"}, true},
		{map[string]string{"k": "v"}, map[string]string{"k": "w"}, false},
		{map[string]string{"k": "v"}, nil, false},
	}
	for _, tt := range tests {
		if got := equalMetadata(tt.a, tt.b); got != tt.want {
			t.Errorf("equalMetadata(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
