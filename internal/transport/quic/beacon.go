package quic

import (
	"bytes"
	"encoding/gob"

	"github.com/proximitylab/nearby/internal/identity"
)

// beacon is the presence datagram broadcast on the LAN while
// advertising. Browsers derive the dial address from the datagram's
// source IP plus the advertised QUIC port.
type beacon struct {
	Peer     identity.Peer
	Metadata map[string]string
	Port     int
	Present  bool
}

func encodeBeacon(b beacon) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBeacon(data []byte) (beacon, error) {
	var b beacon
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b)
	return b, err
}
