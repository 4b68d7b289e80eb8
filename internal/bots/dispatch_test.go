package bots

import (
	"context"
	"testing"

	"threadcast/internal/model"
	"threadcast/internal/store"
	"threadcast/pkg/logx"
)

type capturingWebhook struct {
	delivered []string // bot ids in delivery order
}

func (w *capturingWebhook) Deliver(_ context.Context, bot model.Bot, _ model.Message) error {
	w.delivered = append(w.delivered, bot.ID)
	return nil
}

func TestSlashCommand(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"/deploy prod", "deploy"},
		{"/deploy", "deploy"},
		{"  /deploy now", "deploy"},
		{"/deploy\tnow", "deploy"},
		{"deploy prod", ""},
		{"see /deploy", ""},
		{"/", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := SlashCommand(c.content); got != c.want {
			t.Fatalf("SlashCommand(%q) = %q, want %q", c.content, got, c.want)
		}
	}
}

func botWorld(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.SaveThread(ctx, model.Thread{ID: "d1", GroupID: "g1"}); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	bots := []model.Bot{
		{ID: "b1", Name: "deploy", GroupID: "g1", WebhookURL: "https://bots.example.com/deploy"},
		{ID: "b2", Name: "watcher", GroupID: "g1", WebhookURL: "https://bots.example.com/watch"},
	}
	for _, b := range bots {
		if err := st.SaveBot(ctx, b); err != nil {
			t.Fatalf("SaveBot(%s): %v", b.ID, err)
		}
	}
	if err := st.WatchThreadBot(ctx, "b2", "d1"); err != nil {
		t.Fatalf("WatchThreadBot: %v", err)
	}
	return st
}

func TestDispatchSlashAndWatch(t *testing.T) {
	ctx := context.Background()
	st := botWorld(t)
	wh := &capturingWebhook{}
	d := NewDispatcher(st, wh, logx.Nop())

	d.Dispatch(ctx, model.Message{ID: "m1", ThreadID: "d1", GroupID: "g1", Content: "/deploy prod"})

	if len(wh.delivered) != 2 || wh.delivered[0] != "b1" || wh.delivered[1] != "b2" {
		t.Fatalf("delivered = %v, want [b1 b2]", wh.delivered)
	}
}

func TestDispatchDedupesSlashAndWatchingBot(t *testing.T) {
	ctx := context.Background()
	st := botWorld(t)
	// the watching bot is also the slash-addressed bot
	if err := st.WatchThreadBot(ctx, "b1", "d1"); err != nil {
		t.Fatalf("WatchThreadBot: %v", err)
	}
	wh := &capturingWebhook{}
	d := NewDispatcher(st, wh, logx.Nop())

	d.Dispatch(ctx, model.Message{ID: "m1", ThreadID: "d1", GroupID: "g1", Content: "/deploy prod"})

	count := 0
	for _, id := range wh.delivered {
		if id == "b1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("b1 delivered %d times, want 1 (delivered = %v)", count, wh.delivered)
	}
}

func TestDispatchUnknownSlashIsSilent(t *testing.T) {
	ctx := context.Background()
	st := botWorld(t)
	wh := &capturingWebhook{}
	d := NewDispatcher(st, wh, logx.Nop())

	d.Dispatch(ctx, model.Message{ID: "m1", ThreadID: "d1", GroupID: "g1", Content: "/nosuchbot hi"})

	// only the watching bot fires
	if len(wh.delivered) != 1 || wh.delivered[0] != "b2" {
		t.Fatalf("delivered = %v, want [b2]", wh.delivered)
	}
}

func TestDispatchGrouplessMessageSkipsSlash(t *testing.T) {
	ctx := context.Background()
	st := botWorld(t)
	wh := &capturingWebhook{}
	d := NewDispatcher(st, wh, logx.Nop())

	// slash resolution needs a group scope
	d.Dispatch(ctx, model.Message{ID: "m1", ThreadID: "d1", Content: "/deploy prod"})

	if len(wh.delivered) != 1 || wh.delivered[0] != "b2" {
		t.Fatalf("delivered = %v, want only the watching bot", wh.delivered)
	}
}
