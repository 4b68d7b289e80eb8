// Package engine is the event-handling entry point of the routing core.
//
// Inbound events are a closed tagged union (events.go); each variant has
// one handler registered in a lookup table keyed by its Kind. A handler
// runs guard checks entirely before any state mutation or broadcast, so
// a rejected event never partially applies.
package engine

import (
	"context"
	"errors"

	"threadcast/internal/bots"
	"threadcast/internal/broadcast"
	"threadcast/internal/guard"
	"threadcast/internal/model"
	"threadcast/internal/notify"
	"threadcast/internal/presence"
	"threadcast/internal/store"
	"threadcast/pkg/logx"
)

var (
	// ErrRejected reports a guard refusal surfaced to the caller
	// (new-message acks). Admin flows refuse silently instead.
	ErrRejected = errors.New("not permitted")
	// ErrUnknownEvent reports a Kind with no registered handler.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// Searcher is the secondary-lookup collaborator behind onSearch. It may
// be slow; the engine always runs it detached from event processing.
type Searcher interface {
	SearchThreads(ctx context.Context, userID, query string) ([]model.Thread, error)
}

type handlerFunc func(ctx context.Context, ev Event) Ack

type Engine struct {
	st     store.Store
	guard  *guard.Guard
	pres   *presence.Registry
	bc     *broadcast.Service
	nt     *notify.Service
	bots   *bots.Dispatcher
	search Searcher
	log    logx.Logger

	handlers map[Kind]handlerFunc
}

func New(st store.Store, g *guard.Guard, pres *presence.Registry, bc *broadcast.Service, nt *notify.Service, bd *bots.Dispatcher, search Searcher, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		st:     st,
		guard:  g,
		pres:   pres,
		bc:     bc,
		nt:     nt,
		bots:   bd,
		search: search,
		log:    log,
	}
	e.handlers = map[Kind]handlerFunc{
		KindConnect:           e.handleConnect,
		KindDisconnect:        e.handleDisconnect,
		KindNewMessage:        e.handleNewMessage,
		KindTagThread:         e.handleTagThread,
		KindCreateTag:         e.handleCreateTag,
		KindRetractTag:        e.handleRetractTag,
		KindSetTagDescription: e.handleSetTagDescription,
		KindCreateGroup:       e.handleCreateGroup,
		KindSetGroupIntro:     e.handleSetGroupIntro,
		KindSetGroupAvatar:    e.handleSetGroupAvatar,
		KindSetGroupPublicity: e.handleSetGroupPublicity,
		KindMakeAdmin:         e.handleMakeAdmin,
		KindRemoveFromGroup:   e.handleRemoveFromGroup,
		KindCreateBot:         e.handleCreateBot,
		KindGetBotInfo:        e.handleGetBotInfo,
		KindSearch:            e.handleSearch,
		KindLoadThreads:       e.handleLoadThreads,
		KindLoadRecent:        e.handleLoadRecent,
	}
	return e
}

// Dispatch routes one inbound event to its handler. Events for
// different threads/groups are safe to dispatch concurrently; shared
// state lives behind the presence registry and the store.
func (e *Engine) Dispatch(ctx context.Context, ev Event) Ack {
	h, ok := e.handlers[ev.Kind]
	if !ok {
		e.log.Warn("unknown event kind", logx.String("kind", string(ev.Kind)), logx.String("actor", ev.Actor))
		return Ack{Err: ErrUnknownEvent}
	}
	return h(ctx, ev)
}
