// Package bots identifies which bots an accepted message concerns and
// hands each one off to the webhook collaborator. The core does not
// retry; delivery failures are the collaborator's problem.
package bots

import (
	"context"
	"errors"
	"strings"

	"threadcast/internal/model"
	"threadcast/internal/store"
	"threadcast/pkg/logx"
)

// Webhook performs the actual delivery of a message to a bot endpoint.
type Webhook interface {
	Deliver(ctx context.Context, bot model.Bot, msg model.Message) error
}

type Dispatcher struct {
	st  store.Store
	wh  Webhook
	log logx.Logger
}

func NewDispatcher(st store.Store, wh Webhook, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{st: st, wh: wh, log: log}
}

// Dispatch notifies (a) the single slash-command bot addressed by a
// leading /word token, resolved by exact name within the message's
// group, and (b) every bot with an active watch on the thread. Each bot
// is handed the message at most once.
func (d *Dispatcher) Dispatch(ctx context.Context, msg model.Message) {
	seen := map[string]struct{}{}

	if name := SlashCommand(msg.Content); name != "" && msg.GroupID != "" {
		bot, err := d.st.BotByName(ctx, msg.GroupID, name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			d.log.Debug("slash command matched no bot",
				logx.String("name", name), logx.String("group", msg.GroupID))
		case err != nil:
			d.log.Warn("slash bot lookup failed", logx.String("name", name), logx.Err(err))
		default:
			seen[bot.ID] = struct{}{}
			d.deliver(ctx, bot, msg)
		}
	}

	watching, err := d.st.BotWatches(ctx, msg.ThreadID)
	if err != nil {
		d.log.Warn("bot watch lookup failed", logx.String("thread", msg.ThreadID), logx.Err(err))
		return
	}
	for _, bot := range watching {
		if _, dup := seen[bot.ID]; dup {
			continue
		}
		seen[bot.ID] = struct{}{}
		d.deliver(ctx, bot, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, bot model.Bot, msg model.Message) {
	if err := d.wh.Deliver(ctx, bot, msg); err != nil {
		d.log.Warn("webhook delivery failed",
			logx.String("bot", bot.ID), logx.String("message", msg.ID), logx.Err(err))
		return
	}
	d.log.Debug("webhook delivered", logx.String("bot", bot.ID), logx.String("message", msg.ID))
}

// SlashCommand extracts the bot name from a leading /word token.
// Returns "" when the content does not start with one.
func SlashCommand(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return ""
	}
	word := content[1:]
	if i := strings.IndexAny(word, " \t\n"); i >= 0 {
		word = word[:i]
	}
	return word
}
