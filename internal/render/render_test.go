package render

import (
	"context"
	"testing"

	"threadcast/internal/model"
	"threadcast/internal/store"
)

func TestRenderExpandsReferences(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.SaveUser(ctx, model.User{ID: "u1", Nickname: "alice"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := st.SaveTag(ctx, model.Tag{ID: "t1", Name: "urgent", GroupID: "g1"}); err != nil {
		t.Fatalf("SaveTag: %v", err)
	}

	r := NewText(st)
	msg := model.Message{
		Content:          "ping @u1 about #t1",
		MentionedUserIDs: []string{"u1"},
		MentionedTagIDs:  []string{"t1"},
	}

	got, err := r.Render(ctx, "viewer", msg)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "ping @alice about #urgent" {
		t.Fatalf("rendered = %q", got)
	}

	// the mentioned user sees themself as @you
	got, err = r.Render(ctx, "u1", msg)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "ping @you about #urgent" {
		t.Fatalf("rendered for the mentioned user = %q", got)
	}
}

func TestRenderLeavesUnresolvableRefs(t *testing.T) {
	ctx := context.Background()
	r := NewText(store.NewMemory())

	msg := model.Message{
		Content:          "cc @ghost and #nothing",
		MentionedUserIDs: []string{"ghost"},
		MentionedTagIDs:  []string{"nothing"},
	}
	got, err := r.Render(ctx, "viewer", msg)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "cc @ghost and #nothing" {
		t.Fatalf("rendered = %q, want the raw content", got)
	}
}
