package pubsub

import (
	"testing"
	"time"
)

func recvOne[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C:
		if !ok {
			t.Fatal("Subscription channel closed unexpectedly")
		}
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for value")
	}
	panic("unreachable")
}

func expectClosed[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("Expected closed channel, got a value")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for channel close")
	}
}

func TestTopicMulticast(t *testing.T) {
	topic := New[int]()
	a := topic.Subscribe()
	b := topic.Subscribe()

	topic.Publish(7)

	if got := recvOne(t, a); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
	if got := recvOne(t, b); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
}

func TestTopicNoRetrigger(t *testing.T) {
	topic := New[int]()
	topic.Publish(1)

	sub := topic.Subscribe()
	topic.Publish(2)

	if got := recvOne(t, sub); got != 2 {
		t.Errorf("Expected only post-subscribe value 2, got %d", got)
	}
}

func TestReplayTopicLateSubscriber(t *testing.T) {
	topic := NewReplay[string]()
	topic.Publish("old")
	topic.Publish("current")

	sub := topic.Subscribe()
	if got := recvOne(t, sub); got != "current" {
		t.Errorf("Expected replay of latest value, got '%s'", got)
	}

	topic.Publish("next")
	if got := recvOne(t, sub); got != "next" {
		t.Errorf("Expected 'next', got '%s'", got)
	}
}

func TestBacklogTopicFlushesToFirstSubscriber(t *testing.T) {
	topic := NewBacklog[int]()
	topic.Publish(1)
	topic.Publish(2)
	topic.Publish(3)

	sub := topic.Subscribe()
	for want := 1; want <= 3; want++ {
		if got := recvOne(t, sub); got != want {
			t.Errorf("Expected %d, got %d", want, got)
		}
	}
}

func TestBacklogSurvivesClose(t *testing.T) {
	topic := NewBacklog[int]()
	topic.Publish(42)
	topic.Close()

	sub := topic.Subscribe()
	if got := recvOne(t, sub); got != 42 {
		t.Errorf("Expected backlogged 42, got %d", got)
	}
	expectClosed(t, sub)
}

func TestCancelStopsDelivery(t *testing.T) {
	topic := New[int]()
	sub := topic.Subscribe()
	sub.Cancel()

	done := make(chan struct{})
	go func() {
		// Must not block on the cancelled subscriber even with a full
		// buffer's worth of publishes.
		for i := 0; i < subscriberBuffer*2; i++ {
			topic.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a cancelled subscriber")
	}
}

func TestCloseCompletesSubscribers(t *testing.T) {
	topic := New[int]()
	sub := topic.Subscribe()
	topic.Publish(1)
	topic.Close()

	if got := recvOne(t, sub); got != 1 {
		t.Errorf("Expected buffered 1 before close, got %d", got)
	}
	expectClosed(t, sub)

	if !topic.Closed() {
		t.Error("Expected topic to report closed")
	}

	late := topic.Subscribe()
	expectClosed(t, late)
}

func TestPublishAfterCloseDropped(t *testing.T) {
	topic := NewReplay[int]()
	topic.Close()
	topic.Publish(9)

	sub := topic.Subscribe()
	expectClosed(t, sub)
}
