// Package presence tracks which users currently hold live connections.
//
// The registry is the process-wide authority for "is this user reachable
// for push". It is an owned component handed by reference into everything
// that needs presence queries; there is no ambient global state.
package presence

import (
	"sync"

	"threadcast/internal/eventbus"
	"threadcast/pkg/logx"
)

type Registry struct {
	log logx.Logger
	bus eventbus.Bus

	mu    sync.RWMutex
	conns map[string]map[string]struct{} // user -> connection ids
}

func New(bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:   log,
		bus:   bus,
		conns: map[string]map[string]struct{}{},
	}
}

// Connect records a live connection. Idempotent. Returns true when this
// is the user's first connection (offline -> online transition).
func (r *Registry) Connect(userID, connID string) bool {
	r.mu.Lock()
	set := r.conns[userID]
	if set == nil {
		set = map[string]struct{}{}
		r.conns[userID] = set
	}
	wasOffline := len(set) == 0
	set[connID] = struct{}{}
	r.mu.Unlock()

	if wasOffline {
		r.log.Debug("user online", logx.String("user", userID), logx.String("conn", connID))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindPresenceOnline, UserID: userID})
		}
	}
	return wasOffline
}

// Disconnect removes a connection. Returns true when the user's
// connection set became empty (online -> offline transition).
func (r *Registry) Disconnect(userID, connID string) bool {
	r.mu.Lock()
	set := r.conns[userID]
	_, had := set[connID]
	delete(set, connID)
	nowOffline := had && len(set) == 0
	if len(set) == 0 {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if nowOffline {
		r.log.Debug("user offline", logx.String("user", userID), logx.String("conn", connID))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindPresenceOffline, UserID: userID})
		}
	}
	return nowOffline
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// OnlineSubset returns candidates ∩ currently-online users, preserving
// candidate order. The broadcaster leans on this to skip needless work.
func (r *Registry) OnlineSubset(candidates []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range candidates {
		if len(r.conns[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}
