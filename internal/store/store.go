package store

import (
	"context"
	"errors"
	"time"

	"threadcast/internal/model"
)

var (
	// ErrNotFound reports an unknown entity id. Per the engine's error
	// contract these are logged and the operation is a no-op.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a duplicate unique value (nickname, bot name).
	// Distinct from validation failure so callers can surface it as such.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence capability the core consumes. All methods are
// synchronous and assumed strongly consistent for guard purposes. The
// core never implements storage internals; the bundled memory store is a
// reference implementation for tests and single-node runs.
type Store interface {
	// Users and the visibility graph.
	User(ctx context.Context, id string) (model.User, error)
	SaveUser(ctx context.Context, u model.User) error
	// VisibleTo returns the ids of users allowed to observe userID
	// (its mutual-visibility set), excluding userID itself.
	VisibleTo(ctx context.Context, userID string) ([]string, error)
	CanSeeUser(ctx context.Context, viewerID, targetID string) (bool, error)

	// Groups and membership.
	Group(ctx context.Context, id string) (model.Group, error)
	SaveGroup(ctx context.Context, g model.Group) error
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error

	// Tags and tag subscriptions.
	Tag(ctx context.Context, id string) (model.Tag, error)
	SaveTag(ctx context.Context, t model.Tag) error
	SubscribedTags(ctx context.Context, userID string) ([]string, error)
	SubscribeTag(ctx context.Context, userID, tagID string) error

	// Threads, watchers and subscribers.
	Thread(ctx context.Context, id string) (model.Thread, error)
	SaveThread(ctx context.Context, t model.Thread) error
	CanSeeThread(ctx context.Context, userID, threadID string) (bool, error)
	Watchers(ctx context.Context, threadID string) ([]string, error)
	Subscribers(ctx context.Context, threadID string) ([]string, error)
	Watch(ctx context.Context, userID, threadID string) error
	Unwatch(ctx context.Context, userID, threadID string) error
	SubscribeThread(ctx context.Context, userID, threadID string) error
	// AccumulateTags merges tagIDs into the thread's accumulated tag set
	// atomically relative to concurrent tagging of the same thread.
	AccumulateTags(ctx context.Context, threadID string, tagIDs []string) error
	RetractThreadTag(ctx context.Context, threadID, tagID string) error
	LastOpened(ctx context.Context, userID, threadID string) (time.Time, error)
	SetLastOpened(ctx context.Context, userID, threadID string, at time.Time) error
	VisibleThreads(ctx context.Context, userID string) ([]model.Thread, error)
	RecentThreads(ctx context.Context, userID string, limit int) ([]model.Thread, error)

	// Messages.
	AppendMessage(ctx context.Context, m model.Message) error
	ThreadMessages(ctx context.Context, threadID string, since time.Time) ([]model.Message, error)

	// Bots.
	Bot(ctx context.Context, id string) (model.Bot, error)
	SaveBot(ctx context.Context, b model.Bot) error
	BotByName(ctx context.Context, groupID, name string) (model.Bot, error)
	// BotWatches returns every bot with an active watch on the thread.
	BotWatches(ctx context.Context, threadID string) ([]model.Bot, error)
	WatchThreadBot(ctx context.Context, botID, threadID string) error
}
