package broadcast

import (
	"context"
	"sync"
	"testing"

	"threadcast/internal/model"
	"threadcast/internal/presence"
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

// world: group g1 with alice, bob, carol. Thread d1 in g1 with alice and
// bob watching (carol is a member but not a watcher). Tags t1, t2 on d1;
// alice subscribes to t1 only.
func broadcastWorld(t *testing.T) (*store.Memory, *presence.Registry) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	for _, id := range []string{"alice", "bob", "carol"} {
		if err := st.SaveUser(ctx, model.User{ID: id, Nickname: id}); err != nil {
			t.Fatalf("SaveUser(%s): %v", id, err)
		}
	}
	if err := st.SaveGroup(ctx, model.Group{ID: "g1", Name: "ops"}); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := st.AddMember(ctx, "g1", id); err != nil {
			t.Fatalf("AddMember(%s): %v", id, err)
		}
	}
	if err := st.SaveThread(ctx, model.Thread{ID: "d1", GroupID: "g1"}); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		if err := st.Watch(ctx, id, "d1"); err != nil {
			t.Fatalf("Watch(%s): %v", id, err)
		}
	}
	for _, tagID := range []string{"t1", "t2"} {
		if err := st.SaveTag(ctx, model.Tag{ID: tagID, Name: tagID, GroupID: "g1"}); err != nil {
			t.Fatalf("SaveTag(%s): %v", tagID, err)
		}
	}
	if err := st.AccumulateTags(ctx, "d1", []string{"t1", "t2"}); err != nil {
		t.Fatalf("AccumulateTags: %v", err)
	}
	if err := st.SubscribeTag(ctx, "alice", "t1"); err != nil {
		t.Fatalf("SubscribeTag: %v", err)
	}

	pres := presence.New(nil, logx.Nop())
	return st, pres
}

func TestExecThreadWatchersOnly(t *testing.T) {
	ctx := context.Background()
	st, pres := broadcastWorld(t)
	tr := newCapturingTransport()
	svc := New(Config{}, st, pres, tr, nil, logx.Nop())

	pres.Connect("alice", "c1")
	pres.Connect("bob", "c2")
	pres.Connect("carol", "c3")

	if err := svc.execThread(ctx, job{kind: jobThread, threadID: "d1"}); err != nil {
		t.Fatalf("execThread: %v", err)
	}

	for _, id := range []string{"alice", "bob"} {
		got := tr.forUser(id)
		if len(got) != 1 || got[0].Kind != transport.PayloadThread {
			t.Fatalf("%s pushes = %+v, want one thread payload", id, got)
		}
	}
	// member but not watcher
	if got := tr.forUser("carol"); len(got) != 0 {
		t.Fatalf("carol pushes = %d, want 0", len(got))
	}
}

func TestExecThreadFiltersTagsPerRecipient(t *testing.T) {
	ctx := context.Background()
	st, pres := broadcastWorld(t)
	tr := newCapturingTransport()
	svc := New(Config{}, st, pres, tr, nil, logx.Nop())

	pres.Connect("alice", "c1")
	pres.Connect("bob", "c2")

	if err := svc.execThread(ctx, job{kind: jobThread, threadID: "d1"}); err != nil {
		t.Fatalf("execThread: %v", err)
	}

	alice := tr.forUser("alice")[0].Thread
	if len(alice.TagIDs) != 1 || alice.TagIDs[0] != "t1" {
		t.Fatalf("alice tags = %v, want [t1]", alice.TagIDs)
	}
	// bob subscribes to no tags, so he sees none
	bob := tr.forUser("bob")[0].Thread
	if len(bob.TagIDs) != 0 {
		t.Fatalf("bob tags = %v, want none", bob.TagIDs)
	}
}

func TestExecThreadSkipsOfflineAndExcluded(t *testing.T) {
	ctx := context.Background()
	st, pres := broadcastWorld(t)
	tr := newCapturingTransport()
	svc := New(Config{}, st, pres, tr, nil, logx.Nop())

	pres.Connect("alice", "c1") // bob stays offline

	j := job{kind: jobThread, threadID: "d1", exclude: map[string]struct{}{"alice": {}}}
	if err := svc.execThread(ctx, j); err != nil {
		t.Fatalf("execThread: %v", err)
	}
	if got := tr.forUser("alice"); len(got) != 0 {
		t.Fatalf("excluded alice got %d pushes", len(got))
	}
	if got := tr.forUser("bob"); len(got) != 0 {
		t.Fatalf("offline bob got %d pushes", len(got))
	}
}

func TestExecUserVisibilityAndSelf(t *testing.T) {
	ctx := context.Background()
	st, pres := broadcastWorld(t)
	tr := newCapturingTransport()
	svc := New(Config{}, st, pres, tr, nil, logx.Nop())

	pres.Connect("alice", "c1")
	pres.Connect("bob", "c2")

	// self-initiated change skips the user themself
	if err := svc.execUser(ctx, job{kind: jobUser, userID: "alice", selfInitiated: true}); err != nil {
		t.Fatalf("execUser: %v", err)
	}
	if got := tr.forUser("alice"); len(got) != 0 {
		t.Fatalf("self-initiated change echoed to alice: %+v", got)
	}
	got := tr.forUser("bob")
	if len(got) != 1 || got[0].Kind != transport.PayloadUser {
		t.Fatalf("bob pushes = %+v, want one user payload", got)
	}
	if u := got[0].User; u.UserID != "alice" || !u.Online {
		t.Fatalf("bob saw %+v, want online alice", got[0].User)
	}

	// an outsider with no shared group sees nothing
	if err := st.SaveUser(ctx, model.User{ID: "zed", Nickname: "zed"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	pres.Connect("zed", "c4")
	if err := svc.execUser(ctx, job{kind: jobUser, userID: "alice", selfInitiated: true}); err != nil {
		t.Fatalf("execUser: %v", err)
	}
	if got := tr.forUser("zed"); len(got) != 0 {
		t.Fatalf("zed pushes = %d, want 0 without a shared group", len(got))
	}
}

func TestExecGroupReachesOnlineMembers(t *testing.T) {
	ctx := context.Background()
	st, pres := broadcastWorld(t)
	tr := newCapturingTransport()
	svc := New(Config{}, st, pres, tr, nil, logx.Nop())

	pres.Connect("alice", "c1")
	pres.Connect("carol", "c3") // bob offline

	if err := svc.execGroup(ctx, job{kind: jobGroup, groupID: "g1", change: "intro"}); err != nil {
		t.Fatalf("execGroup: %v", err)
	}
	for _, id := range []string{"alice", "carol"} {
		got := tr.forUser(id)
		if len(got) != 1 || got[0].Kind != transport.PayloadGroup {
			t.Fatalf("%s pushes = %+v, want one group payload", id, got)
		}
		if got[0].Group.Change != "intro" {
			t.Fatalf("%s change = %q, want intro", id, got[0].Group.Change)
		}
	}
	if got := tr.forUser("bob"); len(got) != 0 {
		t.Fatalf("offline bob got %d pushes", len(got))
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	st, pres := broadcastWorld(t)
	svc := New(Config{QueueSize: 1}, st, pres, newCapturingTransport(), nil, logx.Nop())

	ctx := context.Background()
	if err := svc.ThreadChanged(ctx, "d1"); err != nil {
		t.Fatalf("ThreadChanged #1: %v", err)
	}
	if err := svc.ThreadChanged(ctx, "d1"); err != ErrQueueFull {
		t.Fatalf("ThreadChanged #2 err = %v, want ErrQueueFull", err)
	}
}
