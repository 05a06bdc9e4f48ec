package webrtc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/transport"
)

const (
	controlLabel = "control"
	// SCTP fragments large messages poorly across implementations, so
	// writers split at a conservative size.
	maxMessageSize = 16 * 1024
)

// conn is one peer connection. The "control" data channel carries raw
// messages; every other data channel is a named byte stream whose
// label is the stream name.
type conn struct {
	session     *Session
	peer        identity.Peer
	pc          *webrtc.PeerConnection
	isInitiator bool

	mu      sync.Mutex
	control *webrtc.DataChannel

	readyOnce sync.Once
	dropOnce  sync.Once
}

func newConn(s *Session, peer identity.Peer, pc *webrtc.PeerConnection, isInitiator bool) *conn {
	c := &conn{
		session:     s,
		peer:        peer,
		pc:          pc,
		isInitiator: isInitiator,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			s.drop(c)
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		s.sendCandidate(peer, ice.ToJSON().Candidate)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == controlLabel {
			c.setupControl(dc)
			return
		}
		c.setupInboundStream(dc)
	})

	return c
}

func (c *conn) createControl() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating control channel: %w", err)
	}
	c.setupControl(dc)
	return nil
}

func (c *conn) setupControl(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.control = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.readyOnce.Do(func() {
			c.session.connReady(c)
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		c.session.deliver(transport.DataReceived{Peer: c.peer, Data: data})
	})

	dc.OnClose(func() {
		c.session.drop(c)
	})
}

// setupInboundStream bridges a remote data channel into an io.Reader:
// each message is a chunk, channel close is end of stream.
func (c *conn) setupInboundStream(dc *webrtc.DataChannel) {
	pr, pw := io.Pipe()
	var closeOnce sync.Once

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if _, err := pw.Write(msg.Data); err != nil {
			closeOnce.Do(func() { _ = pw.Close() })
		}
	})
	dc.OnClose(func() {
		closeOnce.Do(func() { _ = pw.Close() })
	})

	dc.OnOpen(func() {
		c.session.deliver(transport.StreamOpened{
			Peer:   c.peer,
			Name:   dc.Label(),
			Reader: pr,
		})
	})
}

func (c *conn) sendRaw(data []byte) error {
	c.mu.Lock()
	dc := c.control
	c.mu.Unlock()
	if dc == nil {
		return transport.ErrNotConnected
	}
	return dc.Send(data)
}

// openStream creates an outbound named stream and waits for the remote
// side to acknowledge the channel before handing out the writer.
func (c *conn) openStream(ctx context.Context, name string) (io.WriteCloser, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(name, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating stream channel %q: %w", name, err)
	}

	ready := make(chan struct{})
	dc.OnOpen(func() { close(ready) })

	select {
	case <-ready:
		return &streamWriter{dc: dc}, nil
	case <-ctx.Done():
		_ = dc.Close()
		return nil, ctx.Err()
	}
}

func (c *conn) close() {
	_ = c.pc.Close()
}

// streamWriter writes chunks as data channel messages.
type streamWriter struct {
	dc     *webrtc.DataChannel
	closed bool
	mu     sync.Mutex
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, transport.ErrStreamClosed
	}
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxMessageSize {
			n = maxMessageSize
		}
		if err := w.dc.Send(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (w *streamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.dc.Close()
}
