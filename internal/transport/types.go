// Package transport defines the push boundary between the routing core
// and whatever carries payloads to live client connections. The core
// only ever calls Push; session handshake and delivery mechanics belong
// to the adapter (see the ws subpackage for the websocket one).
package transport

import (
	"context"
	"time"
)

type PayloadKind string

const (
	PayloadThread  PayloadKind = "thread"
	PayloadUser    PayloadKind = "user"
	PayloadGroup   PayloadKind = "group"
	PayloadMessage PayloadKind = "message"
)

// Payload is one push frame. Exactly one view field is set, per Kind.
type Payload struct {
	Kind    PayloadKind  `json:"kind"`
	Thread  *ThreadView  `json:"thread,omitempty"`
	User    *UserView    `json:"user,omitempty"`
	Group   *GroupView   `json:"group,omitempty"`
	Message *MessageView `json:"message,omitempty"`
}

// ThreadView is a recipient-specific view of a thread: TagIDs is already
// filtered down to the tags the recipient subscribes to, and
// LastOpenedAt is that recipient's own marker.
type ThreadView struct {
	ThreadID     string    `json:"thread_id"`
	GroupID      string    `json:"group_id,omitempty"`
	TagIDs       []string  `json:"tag_ids,omitempty"`
	LastOpenedAt time.Time `json:"last_opened_at,omitempty"`
}

type UserView struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
	Online   bool   `json:"online"`
}

type GroupView struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	Public  bool   `json:"public"`
	Intro   string `json:"intro,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
	// Change names what happened (member, admin, intro, avatar,
	// publicity, tag, bot, retract).
	Change string `json:"change"`
}

type MessageView struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	GroupID   string    `json:"group_id,omitempty"`
	AuthorID  string    `json:"author_id"`
	Rendered  string    `json:"rendered"`
	CreatedAt time.Time `json:"created_at"`
}

// Transport delivers a payload to all of a user's live connections,
// best effort. A delivery failure is not surfaced to the core beyond
// the error return, and the core never retries.
type Transport interface {
	Push(ctx context.Context, userID string, p Payload) error
}
