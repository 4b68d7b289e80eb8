package notify

import (
	"context"
	"sync"
	"testing"

	"threadcast/internal/model"
	"threadcast/internal/presence"
	"threadcast/internal/render"
	"threadcast/internal/store"
	"threadcast/internal/transport"
	"threadcast/pkg/logx"
)

type capturingTransport struct {
	mu     sync.Mutex
	pushes map[string][]transport.Payload
}

func newCapturingTransport() *capturingTransport {
	return &capturingTransport{pushes: map[string][]transport.Payload{}}
}

func (c *capturingTransport) Push(_ context.Context, userID string, p transport.Payload) error {
	c.mu.Lock()
	c.pushes[userID] = append(c.pushes[userID], p)
	c.mu.Unlock()
	return nil
}

func (c *capturingTransport) forUser(userID string) []transport.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Payload(nil), c.pushes[userID]...)
}

// world: group g1 with author, alice (rules any), bob (rules mention),
// all subscribed to thread d1. Alice is online, bob is offline.
func notifyWorld(t *testing.T) (*store.Memory, *presence.Registry) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	users := []model.User{
		{ID: "author", Nickname: "author"},
		{ID: "alice", Nickname: "alice", Preferences: map[string]string{model.PrefNotifyRules: "any"}},
		{ID: "bob", Nickname: "bob", Preferences: map[string]string{model.PrefNotifyRules: "mention"}},
	}
	for _, u := range users {
		if err := st.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser(%s): %v", u.ID, err)
		}
	}
	if err := st.SaveGroup(ctx, model.Group{ID: "g1", Name: "ops"}); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	for _, u := range users {
		if err := st.AddMember(ctx, "g1", u.ID); err != nil {
			t.Fatalf("AddMember(%s): %v", u.ID, err)
		}
	}
	if err := st.SaveThread(ctx, model.Thread{ID: "d1", GroupID: "g1"}); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	for _, u := range users {
		if err := st.SubscribeThread(ctx, u.ID, "d1"); err != nil {
			t.Fatalf("SubscribeThread(%s): %v", u.ID, err)
		}
	}

	pres := presence.New(nil, logx.Nop())
	pres.Connect("alice", "c1")
	return st, pres
}

func TestProcessRoutesOnlineAndOffline(t *testing.T) {
	ctx := context.Background()
	st, pres := notifyWorld(t)
	tr := newCapturingTransport()
	spool := store.NewMemorySpool()

	bob, _ := st.User(ctx, "bob")
	bob.Preferences[model.PrefNotifyRules] = "any"
	if err := st.SaveUser(ctx, bob); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	svc := New(Config{}, st, pres, tr, render.NewText(st), spool, logx.Nop())

	msg := model.Message{ID: "m1", ThreadID: "d1", GroupID: "g1", AuthorID: "author", Content: "hello"}
	if err := st.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := svc.process(ctx, msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	// online subscriber gets a live push
	pushes := tr.forUser("alice")
	if len(pushes) != 1 {
		t.Fatalf("alice pushes = %d, want 1", len(pushes))
	}
	if pushes[0].Kind != transport.PayloadMessage || pushes[0].Message == nil {
		t.Fatalf("alice payload = %+v, want a message payload", pushes[0])
	}
	if pushes[0].Message.MessageID != "m1" {
		t.Fatalf("alice got message %s, want m1", pushes[0].Message.MessageID)
	}

	// offline subscriber gets a spool entry, never a push
	if got := tr.forUser("bob"); len(got) != 0 {
		t.Fatalf("bob pushes = %d, want 0", len(got))
	}
	pending, err := spool.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].UserID != "bob" || pending[0].MessageID != "m1" {
		t.Fatalf("pending = %+v, want one entry for bob/m1", pending)
	}

	// author never notifies themselves
	if got := tr.forUser("author"); len(got) != 0 {
		t.Fatalf("author pushes = %d, want 0", len(got))
	}
}

func TestProcessSkipsNonMatchingSubscriber(t *testing.T) {
	ctx := context.Background()
	st, pres := notifyWorld(t)
	tr := newCapturingTransport()
	spool := store.NewMemorySpool()
	svc := New(Config{}, st, pres, tr, render.NewText(st), spool, logx.Nop())

	// bob's rule is (mention, any) and this message does not mention him
	msg := model.Message{ID: "m1", ThreadID: "d1", GroupID: "g1", AuthorID: "author", Content: "hello"}
	if err := svc.process(ctx, msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	pending, _ := spool.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want none for unmatched rules", pending)
	}

	// mentioning bob flips the decision
	msg2 := model.Message{ID: "m2", ThreadID: "d1", GroupID: "g1", AuthorID: "author",
		Content: "ping @bob", MentionedUserIDs: []string{"bob"}}
	if err := svc.process(ctx, msg2); err != nil {
		t.Fatalf("process: %v", err)
	}
	pending, _ = spool.Pending(ctx)
	if len(pending) != 1 || pending[0].UserID != "bob" {
		t.Fatalf("pending = %+v, want one entry for bob", pending)
	}
}

func TestProcessSeesAccumulatedTags(t *testing.T) {
	ctx := context.Background()
	st, pres := notifyWorld(t)
	tr := newCapturingTransport()
	svc := New(Config{}, st, pres, tr, render.NewText(st), store.NewMemorySpool(), logx.Nop())

	if err := st.SaveTag(ctx, model.Tag{ID: "t1", Name: "urgent", GroupID: "g1"}); err != nil {
		t.Fatalf("SaveTag: %v", err)
	}
	alice, _ := st.User(ctx, "alice")
	alice.Preferences[model.PrefNotifyRules] = "tag:t1"
	if err := st.SaveUser(ctx, alice); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	// tag accumulated by an earlier message; this one carries none itself
	if err := st.AccumulateTags(ctx, "d1", []string{"t1"}); err != nil {
		t.Fatalf("AccumulateTags: %v", err)
	}
	msg := model.Message{ID: "m1", ThreadID: "d1", GroupID: "g1", AuthorID: "author", Content: "untagged"}
	if err := svc.process(ctx, msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := tr.forUser("alice"); len(got) != 1 {
		t.Fatalf("alice pushes = %d, want 1 via accumulated tag", len(got))
	}
}

func TestApplyConcurrentWithDeliver(t *testing.T) {
	ctx := context.Background()
	st, pres := notifyWorld(t)
	tr := newCapturingTransport()
	svc := New(Config{RatePerSec: 1000}, st, pres, tr, render.NewText(st), store.NewMemorySpool(), logx.Nop())

	alice, err := st.User(ctx, "alice")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	msg := model.Message{ID: "m1", ThreadID: "d1", GroupID: "g1", AuthorID: "author", Content: "hello"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			svc.Apply(Config{RatePerSec: 1000 + i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			svc.deliver(ctx, alice, msg)
		}
	}()
	wg.Wait()

	if got := tr.forUser("alice"); len(got) != 200 {
		t.Fatalf("alice pushes = %d, want 200", len(got))
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	st, pres := notifyWorld(t)
	svc := New(Config{QueueSize: 1}, st, pres, newCapturingTransport(), render.NewText(st), store.NewMemorySpool(), logx.Nop())

	ctx := context.Background()
	if err := svc.Enqueue(ctx, model.Message{ID: "m1"}); err != nil {
		t.Fatalf("Enqueue #1: %v", err)
	}
	if err := svc.Enqueue(ctx, model.Message{ID: "m2"}); err != ErrQueueFull {
		t.Fatalf("Enqueue #2 err = %v, want ErrQueueFull", err)
	}
}
