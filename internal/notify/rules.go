// Package notify decides, per thread subscriber, whether a message
// triggers an immediate push or joins the subscriber's deferred digest.
package notify

import "threadcast/internal/model"

// MatchContext is everything rule evaluation may consult for one
// (subscriber, message) pair. ThreadTagIDs is the thread's accumulated
// tag set, a thread-level property across all of its messages, not the
// current message's own mentions.
type MatchContext struct {
	SubscriberID string
	Message      model.Message
	ThreadTagIDs []string
	// TagGroup resolves a tag id to its owning group id.
	TagGroup func(tagID string) (string, bool)
}

// Match evaluates the subscriber's ordered rule list, first match wins:
//
//	(any, "")      always matches
//	(any, G)       a tag of group G has accumulated on the thread
//	(mention, "")  the subscriber is mentioned by the message
//	(mention, G)   mentioned AND the message's group is G
//	(tag, T)       tag T has accumulated on the thread
//
// No match means no notification for this rule set; the subscriber may
// still receive the plain thread broadcast as a watcher.
func Match(rules []model.NotificationRule, mc MatchContext) (model.NotificationRule, bool) {
	for _, r := range rules {
		if matches(r, mc) {
			return r, true
		}
	}
	return model.NotificationRule{}, false
}

func matches(r model.NotificationRule, mc MatchContext) bool {
	switch r.Kind {
	case model.RuleAny:
		if r.Target == "" {
			return true
		}
		for _, tagID := range mc.ThreadTagIDs {
			if g, ok := mc.TagGroup(tagID); ok && g == r.Target {
				return true
			}
		}
		return false
	case model.RuleMention:
		if !mc.Message.Mentions(mc.SubscriberID) {
			return false
		}
		return r.Target == "" || mc.Message.GroupID == r.Target
	case model.RuleTag:
		if r.Target == "" {
			return false
		}
		for _, tagID := range mc.ThreadTagIDs {
			if tagID == r.Target {
				return true
			}
		}
		return false
	default:
		return false
	}
}
