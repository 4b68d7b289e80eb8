package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Kind: KindPresenceOnline, UserID: "u1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != KindPresenceOnline || ev.UserID != "u1" {
				t.Fatalf("sub %d got %+v", i, ev)
			}
			if ev.Time.IsZero() {
				t.Fatalf("sub %d event time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d received nothing", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: KindPresenceOnline, UserID: "u1"})
	b.Publish(Event{Kind: KindPresenceOnline, UserID: "u2"}) // buffer full, dropped

	ev := <-ch
	if ev.UserID != "u1" {
		t.Fatalf("got %+v, want u1", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// must not panic on the closed channel
	b.Publish(Event{Kind: KindPresenceOffline, UserID: "u1"})

	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
}
