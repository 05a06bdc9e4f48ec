package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/pubsub"
	"github.com/proximitylab/nearby/internal/transport"
)

// ChunkSize is the bounded-read cap for inbound stream chunks. A larger
// payload is observed as sequential chunks whose sizes sum to the
// original, the last one smaller than the cap.
const ChunkSize = 512

// StreamWriter commits one complete byte sequence to an open outbound
// stream and closes it. It may be invoked once; later calls return
// transport.ErrStreamClosed.
type StreamWriter func(data []byte) error

type streamKey struct {
	peer identity.PeerID
	name string
}

// StreamChannel manages named duplex byte streams: an outbound writer
// per Send and a bounded-chunk read loop per inbound stream.
type StreamChannel struct {
	session transport.Session
	logger  *slog.Logger

	mu     sync.Mutex
	topics map[streamKey]*pubsub.Topic[[]byte]
}

func newStreamChannel(sess transport.Session, logger *slog.Logger) *StreamChannel {
	return &StreamChannel{
		session: sess,
		logger:  logger,
		topics:  make(map[streamKey]*pubsub.Topic[[]byte]),
	}
}

// Send opens the named outbound stream to peer and returns its writer.
func (s *StreamChannel) Send(ctx context.Context, peer identity.Peer, name string) (StreamWriter, error) {
	w, err := s.session.OpenStream(ctx, peer, name)
	if err != nil {
		return nil, fmt.Errorf("opening stream %q: %w", name, err)
	}
	var once sync.Once
	return func(data []byte) error {
		result := transport.ErrStreamClosed
		once.Do(func() {
			if _, err := w.Write(data); err != nil {
				_ = w.Close()
				result = fmt.Errorf("writing stream %q: %w", name, err)
				return
			}
			result = w.Close()
		})
		return result
	}, nil
}

// Receive attaches to the named inbound stream from peer. Chunks arrive
// in bounded reads of at most ChunkSize bytes; the subscription channel
// closes when the stream ends. Chunks read before the first subscriber
// attaches are backlogged for it, not lost.
func (s *StreamChannel) Receive(peer identity.Peer, name string) *pubsub.Subscription[[]byte] {
	return s.topicFor(streamKey{peer: peer.ID, name: name}, false).Subscribe()
}

// topicFor returns the live topic for key. When fresh is set, a topic
// left over from a completed stream is replaced so the name can be
// reused.
func (s *StreamChannel) topicFor(key streamKey, fresh bool) *pubsub.Topic[[]byte] {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[key]
	if !ok || (fresh && t.Closed()) {
		t = pubsub.NewBacklog[[]byte]()
		s.topics[key] = t
	}
	return t
}

func (s *StreamChannel) handleStream(e transport.StreamOpened) {
	topic := s.topicFor(streamKey{peer: e.Peer.ID, name: e.Name}, true)
	go s.readLoop(e, topic)
}

// readLoop drains one inbound stream in bounded reads. It runs off the
// dispatch goroutine so a slow stream never stalls other events; chunk
// order within the stream is preserved because this is its only reader.
func (s *StreamChannel) readLoop(e transport.StreamOpened, topic *pubsub.Topic[[]byte]) {
	defer func() {
		_ = e.Reader.Close()
		topic.Close()
	}()

	buf := make([]byte, ChunkSize)
	for {
		n, err := e.Reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			topic.Publish(chunk)
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			s.logger.Warn("Stream read failed", "peer", e.Peer.String(), "stream", e.Name, "error", err)
			return
		}
	}
}
