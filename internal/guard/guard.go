// Package guard gates every mutating event before it is applied.
//
// Checks return a structured Result (ordered violations) instead of a bare
// bool with logging side effects, so failures are testable and loggable
// as separate concerns. No state is mutated and no broadcast happens for
// a rejected event; callers decide whether the refusal is surfaced (new
// messages) or silent (admin flows).
package guard

import (
	"context"
	"fmt"

	"threadcast/internal/model"
	"threadcast/internal/store"
	"threadcast/pkg/logx"
)

// Check rule identifiers, in guard evaluation order.
const (
	RuleThreadVisible      = "thread-visible"
	RuleGroupMatch         = "group-match"
	RuleTagGroup           = "tag-group"
	RuleTagAccess          = "tag-access"
	RuleMentionSharedGroup = "mention-shared-group"
	RuleMember             = "member"
	RuleAdmin              = "admin"
)

// Violation names one failed check.
type Violation struct {
	Rule   string
	Detail string
}

// Result is the outcome of a guard evaluation. Violations are ordered:
// the first entry is the first check that failed. Evaluation
// short-circuits, so a failed Result carries exactly one violation today;
// the slice keeps the contract open for collect-all callers.
type Result struct {
	Violations []Violation
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

func (r Result) String() string {
	if r.OK() {
		return "ok"
	}
	v := r.Violations[0]
	return v.Rule + ": " + v.Detail
}

func fail(rule, format string, args ...any) Result {
	return Result{Violations: []Violation{{Rule: rule, Detail: fmt.Sprintf(format, args...)}}}
}

type Guard struct {
	st  store.Store
	log logx.Logger
}

func New(st store.Store, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{st: st, log: log}
}

// CheckMessage validates a proposed message against the current graph
// state, in a fixed order, short-circuiting on the first failure:
//
//  1. the acting user can see the target thread;
//  2. if the thread already has a group, the proposed group matches it;
//  3. every mentioned tag belongs to the proposed group and the actor
//     has access to that tag's group;
//  4. every mentioned user shares the proposed group with the actor and
//     is visible to them.
//
// The error return is reserved for collaborator (store) failures.
func (g *Guard) CheckMessage(ctx context.Context, actorID string, msg model.Message) (Result, error) {
	ok, err := g.st.CanSeeThread(ctx, actorID, msg.ThreadID)
	if err != nil {
		return Result{}, fmt.Errorf("thread visibility: %w", err)
	}
	if !ok {
		return fail(RuleThreadVisible, "user %s cannot see thread %s", actorID, msg.ThreadID), nil
	}

	thread, err := g.st.Thread(ctx, msg.ThreadID)
	if err != nil {
		return Result{}, fmt.Errorf("load thread: %w", err)
	}
	if thread.GroupID != "" && thread.GroupID != msg.GroupID {
		return fail(RuleGroupMatch, "thread %s belongs to group %s, message proposes %s",
			msg.ThreadID, thread.GroupID, msg.GroupID), nil
	}

	for _, tagID := range msg.MentionedTagIDs {
		tag, err := g.st.Tag(ctx, tagID)
		if err != nil {
			return Result{}, fmt.Errorf("load tag %s: %w", tagID, err)
		}
		if tag.GroupID != msg.GroupID {
			return fail(RuleTagGroup, "tag %s belongs to group %s, not %s", tagID, tag.GroupID, msg.GroupID), nil
		}
		member, err := g.st.IsMember(ctx, tag.GroupID, actorID)
		if err != nil {
			return Result{}, fmt.Errorf("tag group membership: %w", err)
		}
		if !member {
			return fail(RuleTagAccess, "user %s has no access to group %s of tag %s", actorID, tag.GroupID, tagID), nil
		}
	}

	for _, userID := range msg.MentionedUserIDs {
		member, err := g.st.IsMember(ctx, msg.GroupID, userID)
		if err != nil {
			return Result{}, fmt.Errorf("mention membership: %w", err)
		}
		actorMember, err := g.st.IsMember(ctx, msg.GroupID, actorID)
		if err != nil {
			return Result{}, fmt.Errorf("actor membership: %w", err)
		}
		if !member || !actorMember {
			return fail(RuleMentionSharedGroup, "users %s and %s do not share group %s", actorID, userID, msg.GroupID), nil
		}
		visible, err := g.st.CanSeeUser(ctx, actorID, userID)
		if err != nil {
			return Result{}, fmt.Errorf("mention visibility: %w", err)
		}
		if !visible {
			return fail(RuleMentionSharedGroup, "user %s is not visible to %s", userID, actorID), nil
		}
	}

	return Result{}, nil
}

// RequireMember gates actions any group member may perform.
func (g *Guard) RequireMember(ctx context.Context, groupID, userID string) (Result, error) {
	ok, err := g.st.IsMember(ctx, groupID, userID)
	if err != nil {
		return Result{}, fmt.Errorf("membership: %w", err)
	}
	if !ok {
		return fail(RuleMember, "user %s is not a member of group %s", userID, groupID), nil
	}
	return Result{}, nil
}

// RequireAdmin gates admin-only actions. Non-admin attempts are to be
// refused silently by the caller (logged, no error surfaced).
func (g *Guard) RequireAdmin(ctx context.Context, groupID, userID string) (Result, error) {
	grp, err := g.st.Group(ctx, groupID)
	if err != nil {
		return Result{}, fmt.Errorf("load group: %w", err)
	}
	member, err := g.st.IsMember(ctx, groupID, userID)
	if err != nil {
		return Result{}, fmt.Errorf("membership: %w", err)
	}
	if !member || !grp.IsAdmin(userID) {
		return fail(RuleAdmin, "user %s is not an admin of group %s", userID, groupID), nil
	}
	return Result{}, nil
}
