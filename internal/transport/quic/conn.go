package quic

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

type ctrlKind uint8

const (
	ctrlInvite ctrlKind = iota + 1
	ctrlAccept
	ctrlReject
	ctrlData
)

// ctrlMessage is the unit of the control stream: the invitation
// handshake first, then raw data messages for the connection's life.
type ctrlMessage struct {
	Kind    ctrlKind
	Peer    identity.Peer
	Context []byte
	Data    []byte
}

const maxStreamName = 1024

// conn is one established QUIC connection to a peer. The first stream
// (opened by the dialer) carries gob control messages; every later
// stream is a named byte stream prefixed with a binary header.
type conn struct {
	session *Session
	peer    identity.Peer
	qc      *quic.Conn
	ctrl    *quic.Stream

	encMu sync.Mutex
	enc   *gob.Encoder
	dec   *gob.Decoder
}

func newConn(s *Session, peer identity.Peer, qc *quic.Conn, ctrl *quic.Stream) *conn {
	return &conn{
		session: s,
		peer:    peer,
		qc:      qc,
		ctrl:    ctrl,
		enc:     gob.NewEncoder(ctrl),
		dec:     gob.NewDecoder(ctrl),
	}
}

func (c *conn) send(msg ctrlMessage) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.Encode(msg)
}

func (c *conn) receive() (ctrlMessage, error) {
	var msg ctrlMessage
	err := c.dec.Decode(&msg)
	return msg, err
}

// readControl pumps raw data messages until the connection dies.
func (c *conn) readControl() {
	for {
		msg, err := c.receive()
		if err != nil {
			c.session.drop(c)
			return
		}
		if msg.Kind != ctrlData {
			c.session.logger.Debug("Dropping unexpected control message", "peer", c.peer.String(), "kind", msg.Kind)
			continue
		}
		c.session.deliver(transport.DataReceived{Peer: c.peer, Data: msg.Data})
	}
}

// acceptStreams surfaces inbound named streams.
func (c *conn) acceptStreams() {
	for {
		stream, err := c.qc.AcceptStream(c.qc.Context())
		if err != nil {
			return
		}
		go c.handleStream(stream)
	}
}

func (c *conn) handleStream(stream *quic.Stream) {
	name, err := readStreamHeader(stream)
	if err != nil {
		c.session.logger.Debug("Dropping stream with bad header", "peer", c.peer.String(), "error", err)
		stream.CancelRead(0)
		return
	}
	c.session.deliver(transport.StreamOpened{
		Peer:   c.peer,
		Name:   name,
		Reader: &streamReader{stream: stream},
	})
}

// streamReader adapts a receive-only view of a QUIC stream so closing
// the reader cancels the peer's transfer.
type streamReader struct {
	stream *quic.Stream
}

func (r *streamReader) Read(p []byte) (int, error) {
	return r.stream.Read(p)
}

func (r *streamReader) Close() error {
	r.stream.CancelRead(0)
	return nil
}

// The stream header cannot be gob: a gob decoder reads ahead and would
// swallow payload bytes, so the name travels as a length-prefixed
// binary frame instead.
func writeStreamHeader(w io.Writer, name string) error {
	if len(name) > maxStreamName {
		return fmt.Errorf("stream name too long: %d bytes", len(name))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(name)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, name)
	return err
}

func readStreamHeader(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n > maxStreamName {
		return "", fmt.Errorf("stream name too long: %d bytes", n)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", err
	}
	return string(name), nil
}
