package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadcast/internal/broadcast"
	"threadcast/internal/model"
	"threadcast/internal/store"
	"threadcast/internal/transport"
	"threadcast/pkg/logx"
)

// ---- presence ----

func (e *Engine) handleConnect(ctx context.Context, ev Event) Ack {
	connID := ev.Connect.ConnID
	if connID == "" {
		connID = uuid.NewString()
	}
	e.pres.Connect(ev.Actor, connID)
	return Ack{OK: true}
}

func (e *Engine) handleDisconnect(ctx context.Context, ev Event) Ack {
	e.pres.Disconnect(ev.Actor, ev.Disconnect.ConnID)
	return Ack{OK: true}
}

// ---- messages ----

func (e *Engine) handleNewMessage(ctx context.Context, ev Event) Ack {
	msg := ev.NewMessage.Message
	msg.AuthorID = ev.Actor

	if err := model.ValidateMessage(msg); err != nil {
		return Ack{Err: err}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	// All guard checks complete before any mutation or broadcast. A
	// new-message rejection must reach the caller's ack; it is never
	// dropped silently.
	res, err := e.guard.CheckMessage(ctx, ev.Actor, msg)
	if err != nil {
		return Ack{Err: fmt.Errorf("guard: %w", err)}
	}
	if !res.OK() {
		e.log.Info("message rejected",
			logx.String("actor", ev.Actor), logx.String("thread", msg.ThreadID),
			logx.String("violation", res.String()))
		return Ack{Err: fmt.Errorf("%w: %s", ErrRejected, res)}
	}

	if err := e.st.AppendMessage(ctx, msg); err != nil {
		return Ack{Err: fmt.Errorf("append message: %w", err)}
	}
	// Accumulate before the notify enqueue so rule evaluation reads the
	// full tag set including this message's own mentions.
	if err := e.st.AccumulateTags(ctx, msg.ThreadID, msg.MentionedTagIDs); err != nil {
		return Ack{Err: fmt.Errorf("accumulate tags: %w", err)}
	}

	if err := e.bc.ThreadChanged(ctx, msg.ThreadID, ev.Actor); err != nil {
		e.log.Warn("thread broadcast dropped", logx.String("thread", msg.ThreadID), logx.Err(err))
	}
	if err := e.nt.Enqueue(ctx, msg); err != nil {
		e.log.Warn("notification dropped", logx.String("message", msg.ID), logx.Err(err))
	}
	// Webhook delivery is slow-path; never block event processing on it.
	go e.bots.Dispatch(context.WithoutCancel(ctx), msg)

	return Ack{OK: true}
}

// ---- tags ----

func (e *Engine) handleTagThread(ctx context.Context, ev Event) Ack {
	p := ev.TagThread
	tag, err := e.st.Tag(ctx, p.TagID)
	if err != nil {
		return e.notFound("tag thread", err)
	}
	thread, err := e.st.Thread(ctx, p.ThreadID)
	if err != nil {
		return e.notFound("tag thread", err)
	}
	if thread.GroupID != "" && thread.GroupID != tag.GroupID {
		e.log.Info("tag refused, group mismatch",
			logx.String("thread", p.ThreadID), logx.String("tag", p.TagID))
		return Ack{}
	}
	if ack, ok := e.requireMember(ctx, tag.GroupID, ev.Actor, "tag thread"); !ok {
		return ack
	}
	ok, err := e.st.CanSeeThread(ctx, ev.Actor, p.ThreadID)
	if err != nil {
		return Ack{Err: err}
	}
	if !ok {
		e.log.Info("tag refused, thread not visible",
			logx.String("actor", ev.Actor), logx.String("thread", p.ThreadID))
		return Ack{}
	}

	if err := e.st.AccumulateTags(ctx, p.ThreadID, []string{p.TagID}); err != nil {
		return Ack{Err: err}
	}
	if err := e.bc.ThreadChanged(ctx, p.ThreadID, ev.Actor); err != nil {
		e.log.Warn("thread broadcast dropped", logx.String("thread", p.ThreadID), logx.Err(err))
	}
	return Ack{OK: true}
}

func (e *Engine) handleCreateTag(ctx context.Context, ev Event) Ack {
	p := ev.CreateTag
	if err := model.ValidateName("tag", p.Name); err != nil {
		return Ack{Err: err}
	}
	if ack, ok := e.requireMember(ctx, p.GroupID, ev.Actor, "create tag"); !ok {
		return ack
	}

	tag := model.Tag{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(p.Name),
		GroupID:     p.GroupID,
		Description: p.Description,
	}
	if err := e.st.SaveTag(ctx, tag); err != nil {
		return Ack{Err: err}
	}
	e.groupChanged(ctx, p.GroupID, "tag")
	return Ack{OK: true, Tag: &tag}
}

func (e *Engine) handleRetractTag(ctx context.Context, ev Event) Ack {
	p := ev.RetractTag
	tag, err := e.st.Tag(ctx, p.TagID)
	if err != nil {
		return e.notFound("retract tag", err)
	}
	if ack, ok := e.requireAdmin(ctx, tag.GroupID, ev.Actor, "retract tag"); !ok {
		return ack
	}

	if err := e.st.RetractThreadTag(ctx, p.ThreadID, p.TagID); err != nil {
		return e.notFound("retract tag", err)
	}
	if err := e.bc.ThreadChanged(ctx, p.ThreadID, ev.Actor); err != nil {
		e.log.Warn("thread broadcast dropped", logx.String("thread", p.ThreadID), logx.Err(err))
	}
	e.groupChanged(ctx, tag.GroupID, "retract")
	return Ack{OK: true}
}

func (e *Engine) handleSetTagDescription(ctx context.Context, ev Event) Ack {
	p := ev.SetTagDescription
	tag, err := e.st.Tag(ctx, p.TagID)
	if err != nil {
		return e.notFound("set tag description", err)
	}
	if ack, ok := e.requireAdmin(ctx, tag.GroupID, ev.Actor, "set tag description"); !ok {
		return ack
	}

	tag.Description = p.Description
	if err := e.st.SaveTag(ctx, tag); err != nil {
		return Ack{Err: err}
	}
	e.groupChanged(ctx, tag.GroupID, "tag")
	return Ack{OK: true, Tag: &tag}
}

// ---- groups ----

func (e *Engine) handleCreateGroup(ctx context.Context, ev Event) Ack {
	p := ev.CreateGroup
	if err := model.ValidateName("group", p.Name); err != nil {
		return Ack{Err: err}
	}

	grp := model.Group{
		ID:     uuid.NewString(),
		Name:   strings.TrimSpace(p.Name),
		Public: p.Public,
		Intro:  p.Intro,
		Admins: []string{ev.Actor},
	}
	if err := e.st.SaveGroup(ctx, grp); err != nil {
		return Ack{Err: err}
	}
	if err := e.st.AddMember(ctx, grp.ID, ev.Actor); err != nil {
		return Ack{Err: err}
	}
	e.groupChanged(ctx, grp.ID, "create")
	return Ack{OK: true, Group: &grp}
}

func (e *Engine) handleSetGroupIntro(ctx context.Context, ev Event) Ack {
	p := ev.SetGroupIntro
	return e.mutateGroup(ctx, ev.Actor, p.GroupID, "intro", func(g *model.Group) error {
		g.Intro = p.Intro
		return nil
	})
}

func (e *Engine) handleSetGroupAvatar(ctx context.Context, ev Event) Ack {
	p := ev.SetGroupAvatar
	return e.mutateGroup(ctx, ev.Actor, p.GroupID, "avatar", func(g *model.Group) error {
		if err := model.ValidateURL("group avatar", p.Avatar); err != nil {
			return err
		}
		g.Avatar = p.Avatar
		return nil
	})
}

func (e *Engine) handleSetGroupPublicity(ctx context.Context, ev Event) Ack {
	p := ev.SetGroupPublicity
	return e.mutateGroup(ctx, ev.Actor, p.GroupID, "publicity", func(g *model.Group) error {
		g.Public = p.Public
		return nil
	})
}

// mutateGroup is the shared admin-gated read-modify-write for group
// fields. Validation runs inside mutate, before the store write.
func (e *Engine) mutateGroup(ctx context.Context, actor, groupID, change string, mutate func(*model.Group) error) Ack {
	if ack, ok := e.requireAdmin(ctx, groupID, actor, "set group "+change); !ok {
		return ack
	}
	grp, err := e.st.Group(ctx, groupID)
	if err != nil {
		return e.notFound("set group "+change, err)
	}
	if err := mutate(&grp); err != nil {
		return Ack{Err: err}
	}
	if err := e.st.SaveGroup(ctx, grp); err != nil {
		return Ack{Err: err}
	}
	e.groupChanged(ctx, groupID, change)
	return Ack{OK: true, Group: &grp}
}

func (e *Engine) handleMakeAdmin(ctx context.Context, ev Event) Ack {
	p := ev.MakeAdmin
	if ack, ok := e.requireAdmin(ctx, p.GroupID, ev.Actor, "make admin"); !ok {
		return ack
	}
	member, err := e.st.IsMember(ctx, p.GroupID, p.UserID)
	if err != nil {
		return Ack{Err: err}
	}
	if !member {
		e.log.Info("make admin refused, target not a member",
			logx.String("group", p.GroupID), logx.String("user", p.UserID))
		return Ack{}
	}

	grp, err := e.st.Group(ctx, p.GroupID)
	if err != nil {
		return e.notFound("make admin", err)
	}
	if !grp.IsAdmin(p.UserID) {
		grp.Admins = append(grp.Admins, p.UserID)
		if err := e.st.SaveGroup(ctx, grp); err != nil {
			return Ack{Err: err}
		}
	}
	e.groupChanged(ctx, p.GroupID, "admin")
	return Ack{OK: true}
}

func (e *Engine) handleRemoveFromGroup(ctx context.Context, ev Event) Ack {
	p := ev.RemoveFromGroup
	// A user may always remove themself; removing others takes admin.
	if p.UserID != ev.Actor {
		if ack, ok := e.requireAdmin(ctx, p.GroupID, ev.Actor, "remove from group"); !ok {
			return ack
		}
	}
	if err := e.st.RemoveMember(ctx, p.GroupID, p.UserID); err != nil {
		return e.notFound("remove from group", err)
	}
	e.groupChanged(ctx, p.GroupID, "member")
	return Ack{OK: true}
}

// ---- bots ----

func (e *Engine) handleCreateBot(ctx context.Context, ev Event) Ack {
	p := ev.CreateBot
	if err := model.ValidateName("bot", p.Name); err != nil {
		return Ack{Err: err}
	}
	if err := model.ValidateURL("bot webhook", p.WebhookURL); err != nil {
		return Ack{Err: err}
	}
	if ack, ok := e.requireAdmin(ctx, p.GroupID, ev.Actor, "create bot"); !ok {
		return ack
	}

	bot := model.Bot{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(p.Name),
		GroupID:    p.GroupID,
		WebhookURL: p.WebhookURL,
	}
	if err := e.st.SaveBot(ctx, bot); err != nil {
		return Ack{Err: err}
	}
	e.groupChanged(ctx, p.GroupID, "bot")
	return Ack{OK: true, Bot: &bot}
}

func (e *Engine) handleGetBotInfo(ctx context.Context, ev Event) Ack {
	bot, err := e.st.Bot(ctx, ev.GetBotInfo.BotID)
	if err != nil {
		return e.notFound("get bot info", err)
	}
	return Ack{OK: true, Bot: &bot}
}

// ---- lookups ----

func (e *Engine) handleSearch(ctx context.Context, ev Event) Ack {
	p := ev.Search
	actor := ev.Actor
	// Detached: full-text lookup may be slow and must not block event
	// processing for other events. Completion reaches the caller via
	// the reply channel with no ordering guarantee.
	bg := context.WithoutCancel(ctx)
	go func() {
		threads, err := e.search.SearchThreads(bg, actor, p.Query)
		ack := Ack{OK: err == nil, Err: err}
		if err == nil {
			ack.Threads = e.viewsFor(bg, actor, threads)
		}
		if p.Reply == nil {
			return
		}
		select {
		case p.Reply <- ack:
		default:
			e.log.Warn("search reply dropped", logx.String("actor", actor))
		}
	}()
	return Ack{OK: true}
}

func (e *Engine) handleLoadThreads(ctx context.Context, ev Event) Ack {
	threads, err := e.st.VisibleThreads(ctx, ev.Actor)
	if err != nil {
		return Ack{Err: err}
	}
	views := e.viewsFor(ctx, ev.Actor, threads)
	e.markOpened(ctx, ev.Actor, threads)
	return Ack{OK: true, Threads: views}
}

func (e *Engine) handleLoadRecent(ctx context.Context, ev Event) Ack {
	limit := 20
	if ev.LoadRecent != nil && ev.LoadRecent.Limit > 0 {
		limit = ev.LoadRecent.Limit
	}
	threads, err := e.st.RecentThreads(ctx, ev.Actor, limit)
	if err != nil {
		return Ack{Err: err}
	}
	views := e.viewsFor(ctx, ev.Actor, threads)
	e.markOpened(ctx, ev.Actor, threads)
	return Ack{OK: true, Threads: views}
}

// markOpened records a load as the viewer opening each listed thread.
// The views handed back were built first, so they carry the previous
// open time and a client can mark everything newer as unread.
func (e *Engine) markOpened(ctx context.Context, userID string, threads []model.Thread) {
	now := time.Now()
	for _, t := range threads {
		if err := e.st.SetLastOpened(ctx, userID, t.ID, now); err != nil {
			e.log.Warn("last-opened update failed", logx.String("thread", t.ID), logx.Err(err))
		}
	}
}

func (e *Engine) viewsFor(ctx context.Context, userID string, threads []model.Thread) []transport.ThreadView {
	views := make([]transport.ThreadView, 0, len(threads))
	for _, t := range threads {
		v, err := broadcast.ThreadViewFor(ctx, e.st, userID, t)
		if err != nil {
			e.log.Warn("thread view failed", logx.String("thread", t.ID), logx.Err(err))
			continue
		}
		views = append(views, v)
	}
	return views
}

// ---- shared refusal plumbing ----

// requireMember / requireAdmin return (Ack, false) on refusal. Refusals
// are silent for these admin flows: logged, empty ack, no error.
func (e *Engine) requireMember(ctx context.Context, groupID, userID, action string) (Ack, bool) {
	res, err := e.guard.RequireMember(ctx, groupID, userID)
	if err != nil {
		return e.notFound(action, err), false
	}
	if !res.OK() {
		e.log.Info("refused", logx.String("action", action), logx.String("violation", res.String()))
		return Ack{}, false
	}
	return Ack{}, true
}

func (e *Engine) requireAdmin(ctx context.Context, groupID, userID, action string) (Ack, bool) {
	res, err := e.guard.RequireAdmin(ctx, groupID, userID)
	if err != nil {
		return e.notFound(action, err), false
	}
	if !res.OK() {
		e.log.Info("refused", logx.String("action", action), logx.String("violation", res.String()))
		return Ack{}, false
	}
	return Ack{}, true
}

// notFound maps unknown ids to a logged no-op per the error contract;
// other store failures stay surfaced.
func (e *Engine) notFound(action string, err error) Ack {
	if errors.Is(err, store.ErrNotFound) {
		e.log.Info("no-op, entity missing", logx.String("action", action), logx.Err(err))
		return Ack{}
	}
	return Ack{Err: err}
}

func (e *Engine) groupChanged(ctx context.Context, groupID, change string) {
	if err := e.bc.GroupChanged(ctx, groupID, change); err != nil {
		e.log.Warn("group broadcast dropped", logx.String("group", groupID), logx.Err(err))
	}
}
