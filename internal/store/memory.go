package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"threadcast/internal/model"
)

// Memory is the reference in-memory Store. It is safe for concurrent use:
// reads take the read lock, mutations take the write lock, and tag
// accumulation is applied under the write lock so rule evaluation never
// observes a half-merged set.
type Memory struct {
	mu sync.RWMutex

	users   map[string]model.User
	groups  map[string]model.Group
	members map[string]map[string]struct{} // group -> user set
	tags    map[string]model.Tag
	tagSubs map[string]map[string]struct{} // user -> tag set

	threads    map[string]model.Thread
	watchers   map[string]map[string]struct{} // thread -> user set
	subs       map[string]map[string]struct{} // thread -> user set
	lastOpened map[string]time.Time           // user|thread
	messages   map[string][]model.Message     // thread -> ordered

	bots       map[string]model.Bot
	botWatches map[string]map[string]struct{} // thread -> bot set
}

func NewMemory() *Memory {
	return &Memory{
		users:      map[string]model.User{},
		groups:     map[string]model.Group{},
		members:    map[string]map[string]struct{}{},
		tags:       map[string]model.Tag{},
		tagSubs:    map[string]map[string]struct{}{},
		threads:    map[string]model.Thread{},
		watchers:   map[string]map[string]struct{}{},
		subs:       map[string]map[string]struct{}{},
		lastOpened: map[string]time.Time{},
		messages:   map[string][]model.Message{},
		bots:       map[string]model.Bot{},
		botWatches: map[string]map[string]struct{}{},
	}
}

// ---- users ----

func (s *Memory) User(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *Memory) SaveUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.users {
		if id != u.ID && other.Nickname == u.Nickname {
			return fmt.Errorf("nickname %q: %w", u.Nickname, ErrConflict)
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *Memory) VisibleTo(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, set := range s.members {
		if _, ok := set[userID]; !ok {
			continue
		}
		for id := range set {
			if id != userID {
				seen[id] = struct{}{}
			}
		}
	}
	return sortedKeys(seen), nil
}

func (s *Memory) CanSeeUser(_ context.Context, viewerID, targetID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shareGroupLocked(viewerID, targetID), nil
}

func (s *Memory) shareGroupLocked(a, b string) bool {
	for _, set := range s.members {
		if _, ok := set[a]; !ok {
			continue
		}
		if _, ok := set[b]; ok {
			return true
		}
	}
	return false
}

// ---- groups ----

func (s *Memory) Group(_ context.Context, id string) (model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return model.Group{}, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return g, nil
}

func (s *Memory) SaveGroup(_ context.Context, g model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	if s.members[g.ID] == nil {
		s.members[g.ID] = map[string]struct{}{}
	}
	return nil
}

func (s *Memory) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.members[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return sortedKeys(set), nil
}

func (s *Memory) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.members[groupID]
	_, ok := set[userID]
	return ok, nil
}

func (s *Memory) AddMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if s.members[groupID] == nil {
		s.members[groupID] = map[string]struct{}{}
	}
	s.members[groupID][userID] = struct{}{}
	return nil
}

func (s *Memory) RemoveMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	delete(set, userID)
	// An ex-member cannot stay admin.
	if g, ok := s.groups[groupID]; ok && g.IsAdmin(userID) {
		admins := make([]string, 0, len(g.Admins))
		for _, id := range g.Admins {
			if id != userID {
				admins = append(admins, id)
			}
		}
		g.Admins = admins
		s.groups[groupID] = g
	}
	return nil
}

// ---- tags ----

func (s *Memory) Tag(_ context.Context, id string) (model.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tags[id]
	if !ok {
		return model.Tag{}, fmt.Errorf("tag %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Memory) SaveTag(_ context.Context, t model.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.tags {
		if id != t.ID && other.GroupID == t.GroupID && other.Name == t.Name {
			return fmt.Errorf("tag %q in group %s: %w", t.Name, t.GroupID, ErrConflict)
		}
	}
	s.tags[t.ID] = t
	return nil
}

func (s *Memory) SubscribedTags(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.tagSubs[userID]), nil
}

func (s *Memory) SubscribeTag(_ context.Context, userID, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tagID]; !ok {
		return fmt.Errorf("tag %s: %w", tagID, ErrNotFound)
	}
	if s.tagSubs[userID] == nil {
		s.tagSubs[userID] = map[string]struct{}{}
	}
	s.tagSubs[userID][tagID] = struct{}{}
	return nil
}

// ---- threads ----

func (s *Memory) Thread(_ context.Context, id string) (model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return model.Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return copyThread(t), nil
}

func (s *Memory) SaveThread(_ context.Context, t model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = copyThread(t)
	return nil
}

func (s *Memory) CanSeeThread(_ context.Context, userID, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canSeeThreadLocked(userID, threadID), nil
}

func (s *Memory) canSeeThreadLocked(userID, threadID string) bool {
	t, ok := s.threads[threadID]
	if !ok {
		return false
	}
	if _, ok := s.watchers[threadID][userID]; ok {
		return true
	}
	if _, ok := s.subs[threadID][userID]; ok {
		return true
	}
	if t.GroupID != "" {
		_, ok := s.members[t.GroupID][userID]
		return ok
	}
	return false
}

func (s *Memory) Watchers(_ context.Context, threadID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.watchers[threadID]), nil
}

func (s *Memory) Subscribers(_ context.Context, threadID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.subs[threadID]), nil
}

func (s *Memory) Watch(_ context.Context, userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if s.watchers[threadID] == nil {
		s.watchers[threadID] = map[string]struct{}{}
	}
	s.watchers[threadID][userID] = struct{}{}
	return nil
}

func (s *Memory) Unwatch(_ context.Context, userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[threadID], userID)
	return nil
}

func (s *Memory) SubscribeThread(_ context.Context, userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if s.subs[threadID] == nil {
		s.subs[threadID] = map[string]struct{}{}
	}
	s.subs[threadID][userID] = struct{}{}
	return nil
}

func (s *Memory) AccumulateTags(_ context.Context, threadID string, tagIDs []string) error {
	if len(tagIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	for _, id := range tagIDs {
		if !t.HasTag(id) {
			t.TagIDs = append(t.TagIDs, id)
		}
	}
	s.threads[threadID] = t
	return nil
}

func (s *Memory) RetractThreadTag(_ context.Context, threadID, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	kept := make([]string, 0, len(t.TagIDs))
	for _, id := range t.TagIDs {
		if id != tagID {
			kept = append(kept, id)
		}
	}
	t.TagIDs = kept
	s.threads[threadID] = t
	return nil
}

func (s *Memory) LastOpened(_ context.Context, userID, threadID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOpened[userID+"|"+threadID], nil
}

func (s *Memory) SetLastOpened(_ context.Context, userID, threadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOpened[userID+"|"+threadID] = at
	return nil
}

func (s *Memory) VisibleThreads(_ context.Context, userID string) ([]model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Thread
	for id, t := range s.threads {
		if s.canSeeThreadLocked(userID, id) {
			out = append(out, copyThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) RecentThreads(ctx context.Context, userID string, limit int) ([]model.Thread, error) {
	visible, err := s.VisibleThreads(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sort.Slice(visible, func(i, j int) bool {
		return s.lastMessageAtLocked(visible[i].ID).After(s.lastMessageAtLocked(visible[j].ID))
	})
	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}
	return visible, nil
}

func (s *Memory) lastMessageAtLocked(threadID string) time.Time {
	msgs := s.messages[threadID]
	if len(msgs) == 0 {
		return time.Time{}
	}
	return msgs[len(msgs)-1].CreatedAt
}

// ---- messages ----

func (s *Memory) AppendMessage(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[m.ThreadID]; !ok {
		return fmt.Errorf("thread %s: %w", m.ThreadID, ErrNotFound)
	}
	// First grouped message fixes the thread's group.
	if t := s.threads[m.ThreadID]; t.GroupID == "" && m.GroupID != "" {
		t.GroupID = m.GroupID
		s.threads[m.ThreadID] = t
	}
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], m)
	return nil
}

func (s *Memory) ThreadMessages(_ context.Context, threadID string, since time.Time) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for _, m := range s.messages[threadID] {
		if since.IsZero() || m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ---- bots ----

func (s *Memory) Bot(_ context.Context, id string) (model.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return model.Bot{}, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func (s *Memory) SaveBot(_ context.Context, b model.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.bots {
		if id != b.ID && other.GroupID == b.GroupID && other.Name == b.Name {
			return fmt.Errorf("bot %q in group %s: %w", b.Name, b.GroupID, ErrConflict)
		}
	}
	s.bots[b.ID] = b
	return nil
}

func (s *Memory) BotByName(_ context.Context, groupID, name string) (model.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bots {
		if b.GroupID == groupID && b.Name == name {
			return b, nil
		}
	}
	return model.Bot{}, fmt.Errorf("bot %q in group %s: %w", name, groupID, ErrNotFound)
}

func (s *Memory) BotWatches(_ context.Context, threadID string) ([]model.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Bot
	for botID := range s.botWatches[threadID] {
		if b, ok := s.bots[botID]; ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) WatchThreadBot(_ context.Context, botID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[botID]; !ok {
		return fmt.Errorf("bot %s: %w", botID, ErrNotFound)
	}
	if s.botWatches[threadID] == nil {
		s.botWatches[threadID] = map[string]struct{}{}
	}
	s.botWatches[threadID][botID] = struct{}{}
	return nil
}

// ---- helpers ----

func copyThread(t model.Thread) model.Thread {
	cp := t
	cp.TagIDs = append([]string(nil), t.TagIDs...)
	return cp
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
