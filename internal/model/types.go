package model

import "time"

// MaxContentLen bounds message content length in characters.
const MaxContentLen = 5000

// PrefNotifyRules is the preference key holding a user's ordered
// notification rule list (see ParseRules for the encoding).
const PrefNotifyRules = "notify.rules"

// User carries only the fields the routing core needs per call; the
// store owns the full record.
type User struct {
	ID          string
	Nickname    string
	Avatar      string
	Email       string
	Preferences map[string]string
}

// Rules decodes the user's ordered notification rule list.
func (u User) Rules() []NotificationRule {
	return ParseRules(u.Preferences[PrefNotifyRules])
}

type Group struct {
	ID     string
	Name   string
	Public bool
	Intro  string
	Avatar string
	// Admins is a subset of the group's member ids.
	Admins []string
}

func (g Group) IsAdmin(userID string) bool {
	for _, id := range g.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// Tag is a group-scoped label. A tag belongs to exactly one group and may
// only be attached to threads of that group.
type Tag struct {
	ID          string
	Name        string
	GroupID     string
	Description string
}

// Thread is a conversation unit. TagIDs is the accumulated tag set: once a
// tag is applied via any message it stays until explicitly retracted.
// Messages and the watcher/subscriber sets are owned by the store.
type Thread struct {
	ID      string
	GroupID string // empty until the first grouped message fixes it
	TagIDs  []string
}

func (t Thread) HasTag(tagID string) bool {
	for _, id := range t.TagIDs {
		if id == tagID {
			return true
		}
	}
	return false
}

// Message is immutable once created.
type Message struct {
	ID               string
	ThreadID         string
	GroupID          string
	AuthorID         string
	Content          string
	CreatedAt        time.Time
	MentionedTagIDs  []string
	MentionedUserIDs []string
}

func (m Message) Mentions(userID string) bool {
	for _, id := range m.MentionedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Bot is a group-scoped automation endpoint. It is addressed either by a
// leading /name token in a message or by a watch on a thread.
type Bot struct {
	ID         string
	Name       string
	GroupID    string
	WebhookURL string
}
