package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	defer s1.Close()
	defer s2.Close()

	b.Publish(Event{Source: SourceAgent, Kind: KindRequestStart})

	for i, s := range []*Subscription{s1, s2} {
		select {
		case e := <-s.C:
			if e.Kind != KindRequestStart {
				t.Errorf("subscriber %d got kind %q", i, e.Kind)
			}
			if e.Timestamp.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishOnNilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: "x"}) // must not panic
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("nil bus subscriber count = %d", n)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	// The buffer held exactly one event.
	if len(s.C) != 1 {
		t.Errorf("buffered = %d, want 1", len(s.C))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	s.Close()
	s.Close() // must not panic

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count after close = %d", n)
	}
	if _, ok := <-s.C; ok {
		t.Error("channel not closed")
	}
}
