// Package pubsub provides the multicast primitive behind every reactive
// stream the session core exposes. A Topic fans each published value out
// to all active subscribers; subscribing never re-triggers the source.
package pubsub

import "sync"

const subscriberBuffer = 64

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// Topic is a multicast stream of values.
//
// Publish and Close must not be called concurrently with each other;
// the session core guarantees this by driving each topic from a single
// goroutine. Subscribe and Cancel are safe from any goroutine.
type Topic[T any] struct {
	mu      sync.Mutex
	subs    map[int]*subscriber[T]
	nextID  int
	replay  bool
	last    T
	hasLast bool
	backlog bool
	pending []T
	closed  bool
}

// New returns a plain multicast topic: subscribers only observe values
// published after they attach.
func New[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[int]*subscriber[T])}
}

// NewReplay returns a topic that hands the most recently published value
// to each new subscriber first, so late subscribers still observe
// current state.
func NewReplay[T any]() *Topic[T] {
	t := New[T]()
	t.replay = true
	return t
}

// NewBacklog returns a topic that queues values published while no
// subscriber is attached and flushes the queue to the first one.
func NewBacklog[T any]() *Topic[T] {
	t := New[T]()
	t.backlog = true
	return t
}

// Publish delivers v to every active subscriber. Delivery blocks when a
// subscriber's buffer is full, until it consumes or cancels.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.replay {
		t.last = v
		t.hasLast = true
	}
	if t.backlog && len(t.subs) == 0 {
		t.pending = append(t.pending, v)
		t.mu.Unlock()
		return
	}
	targets := make([]*subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		targets = append(targets, s)
	}
	t.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- v:
		case <-s.done:
		}
	}
}

// Subscribe attaches a new subscriber. Replayed or backlogged values are
// preloaded into its channel before it is returned. Subscribing to a
// closed topic yields any remaining backlog followed by channel close.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	needed := len(t.pending)
	if t.replay && t.hasLast {
		needed++
	}
	size := subscriberBuffer
	if needed > size {
		size = needed
	}

	s := &subscriber[T]{ch: make(chan T, size), done: make(chan struct{})}
	if t.replay && t.hasLast {
		s.ch <- t.last
	}
	for _, v := range t.pending {
		s.ch <- v
	}
	t.pending = nil

	if t.closed {
		close(s.ch)
		return &Subscription[T]{C: s.ch, sub: s, remove: func() {}}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = s
	return &Subscription[T]{
		C:   s.ch,
		sub: s,
		remove: func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		},
	}
}

// Close marks the end of the stream and closes every subscriber channel.
// Later publishes are dropped.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := make([]*subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[int]*subscriber[T])
	t.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
}

// Closed reports whether the stream has ended.
func (t *Topic[T]) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Subscription is one subscriber's view of a topic: receive from C until
// it closes, or Cancel to stop delivery early.
type Subscription[T any] struct {
	C      <-chan T
	sub    *subscriber[T]
	remove func()
}

// Cancel stops further delivery to this subscriber. The underlying
// stream and any transport state are unaffected.
func (s *Subscription[T]) Cancel() {
	s.sub.once.Do(func() {
		close(s.sub.done)
		s.remove()
	})
}
