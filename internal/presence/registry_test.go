package presence

import (
	"reflect"
	"testing"

	"threadcast/internal/eventbus"
	"threadcast/pkg/logx"
)

func TestConnectDisconnectTransitions(t *testing.T) {
	r := New(nil, logx.Nop())

	if !r.Connect("u1", "c1") {
		t.Fatalf("first connection should transition to online")
	}
	if r.Connect("u1", "c2") {
		t.Fatalf("second connection is not a transition")
	}
	// idempotent re-add
	if r.Connect("u1", "c1") {
		t.Fatalf("duplicate connect is not a transition")
	}
	if !r.IsOnline("u1") {
		t.Fatalf("u1 should be online")
	}

	if r.Disconnect("u1", "c1") {
		t.Fatalf("one connection remains, not offline yet")
	}
	if !r.Disconnect("u1", "c2") {
		t.Fatalf("last disconnect should transition to offline")
	}
	if r.IsOnline("u1") {
		t.Fatalf("u1 should be offline")
	}
	// disconnect of unknown connection is a no-op
	if r.Disconnect("u1", "cX") {
		t.Fatalf("unknown disconnect reported a transition")
	}
}

func TestOnlineSubset(t *testing.T) {
	r := New(nil, logx.Nop())
	r.Connect("u1", "c1")
	r.Connect("u3", "c2")

	got := r.OnlineSubset([]string{"u1", "u2", "u3", "u4"})
	if !reflect.DeepEqual(got, []string{"u1", "u3"}) {
		t.Fatalf("OnlineSubset = %v", got)
	}
	if got := r.OnlineSubset(nil); got != nil {
		t.Fatalf("empty candidates should yield nil, got %v", got)
	}
}

func TestTransitionsPublishEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	r := New(bus, logx.Nop())
	r.Connect("u1", "c1")
	r.Connect("u1", "c2") // no transition, no event
	r.Disconnect("u1", "c1")
	r.Disconnect("u1", "c2")

	want := []string{eventbus.KindPresenceOnline, eventbus.KindPresenceOffline}
	for i, kind := range want {
		select {
		case ev := <-ch:
			if ev.Kind != kind || ev.UserID != "u1" {
				t.Fatalf("event %d = %+v, want kind %s for u1", i, ev, kind)
			}
		default:
			t.Fatalf("missing event %d (%s)", i, kind)
		}
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}
