package engine

import (
	"threadcast/internal/model"
	"threadcast/internal/transport"
)

// Kind is the stable identifier an event handler is registered under.
// The event surface is a closed set: adding a behavior means adding a
// variant and a handler here, not teaching a dispatcher new names at
// runtime.
type Kind string

const (
	KindConnect           Kind = "connect"
	KindDisconnect        Kind = "disconnect"
	KindNewMessage        Kind = "message.new"
	KindTagThread         Kind = "thread.tag"
	KindCreateTag         Kind = "tag.create"
	KindRetractTag        Kind = "tag.retract"
	KindSetTagDescription Kind = "tag.describe"
	KindCreateGroup       Kind = "group.create"
	KindSetGroupIntro     Kind = "group.intro"
	KindSetGroupAvatar    Kind = "group.avatar"
	KindSetGroupPublicity Kind = "group.publicity"
	KindMakeAdmin         Kind = "group.admin"
	KindRemoveFromGroup   Kind = "group.remove"
	KindCreateBot         Kind = "bot.create"
	KindGetBotInfo        Kind = "bot.info"
	KindSearch            Kind = "search"
	KindLoadThreads       Kind = "threads.load"
	KindLoadRecent        Kind = "threads.recent"
)

// Event is the tagged union of everything clients can ask the core to
// do. Exactly one variant field is set, matching Kind. Actor is the
// acting user for every variant.
type Event struct {
	Kind  Kind
	Actor string

	Connect           *ConnectEvent
	Disconnect        *DisconnectEvent
	NewMessage        *NewMessageEvent
	TagThread         *TagThreadEvent
	CreateTag         *CreateTagEvent
	RetractTag        *RetractTagEvent
	SetTagDescription *SetTagDescriptionEvent
	CreateGroup       *CreateGroupEvent
	SetGroupIntro     *SetGroupIntroEvent
	SetGroupAvatar    *SetGroupAvatarEvent
	SetGroupPublicity *SetGroupPublicityEvent
	MakeAdmin         *MakeAdminEvent
	RemoveFromGroup   *RemoveFromGroupEvent
	CreateBot         *CreateBotEvent
	GetBotInfo        *GetBotInfoEvent
	Search            *SearchEvent
	LoadRecent        *LoadRecentEvent
}

type ConnectEvent struct{ ConnID string }

type DisconnectEvent struct{ ConnID string }

type NewMessageEvent struct{ Message model.Message }

type TagThreadEvent struct {
	ThreadID string
	TagID    string
}

type CreateTagEvent struct {
	GroupID     string
	Name        string
	Description string
}

type RetractTagEvent struct {
	ThreadID string
	TagID    string
}

type SetTagDescriptionEvent struct {
	TagID       string
	Description string
}

type CreateGroupEvent struct {
	Name   string
	Public bool
	Intro  string
}

type SetGroupIntroEvent struct {
	GroupID string
	Intro   string
}

type SetGroupAvatarEvent struct {
	GroupID string
	Avatar  string
}

type SetGroupPublicityEvent struct {
	GroupID string
	Public  bool
}

type MakeAdminEvent struct {
	GroupID string
	UserID  string
}

type RemoveFromGroupEvent struct {
	GroupID string
	UserID  string
}

type CreateBotEvent struct {
	GroupID    string
	Name       string
	WebhookURL string
}

type GetBotInfoEvent struct{ BotID string }

// SearchEvent runs as detached background work; the result arrives on
// Reply with no ordering guarantee relative to other events.
type SearchEvent struct {
	Query string
	Reply chan<- Ack
}

type LoadRecentEvent struct{ Limit int }

// Ack is the caller's acknowledgment. OK is false both for surfaced
// errors (Err != nil) and for silent refusals (Err == nil).
type Ack struct {
	OK      bool
	Err     error
	Threads []transport.ThreadView
	Tag     *model.Tag
	Group   *model.Group
	Bot     *model.Bot
}
