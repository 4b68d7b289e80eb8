// Package ws is the websocket Transport adapter: it owns the live
// connections and delivers push payloads to them. Session semantics
// (who connected, who left) are reported upward through callbacks; the
// routing core never touches a socket.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"threadcast/internal/transport"
	"threadcast/pkg/logx"
)

const sendBuffer = 32

type conn struct {
	id   string
	send chan []byte
}

// Server implements transport.Transport over fiber websockets. Each
// connection gets a buffered send channel; a full buffer drops the
// frame rather than blocking the fan-out path (best-effort delivery).
type Server struct {
	log logx.Logger

	onConnect    func(userID, connID string)
	onDisconnect func(userID, connID string)

	mu    sync.RWMutex
	conns map[string]map[string]*conn // user -> conn id -> conn
}

func New(log logx.Logger, onConnect, onDisconnect func(userID, connID string)) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		log:          log,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		conns:        map[string]map[string]*conn{},
	}
}

// Register mounts the websocket route on app. The user id comes from
// the :user path segment; authentication of that identity is the outer
// HTTP layer's concern, not this adapter's.
func (s *Server) Register(app *fiber.App, path string) {
	app.Use(path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(path+"/:user", websocket.New(s.handle))
}

func (s *Server) handle(c *websocket.Conn) {
	userID := c.Params("user")
	if userID == "" {
		_ = c.Close()
		return
	}
	cn := &conn{id: uuid.NewString(), send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	if s.conns[userID] == nil {
		s.conns[userID] = map[string]*conn{}
	}
	s.conns[userID][cn.id] = cn
	s.mu.Unlock()

	if s.onConnect != nil {
		s.onConnect(userID, cn.id)
	}
	s.log.Debug("ws open", logx.String("user", userID), logx.String("conn", cn.id))

	// Writer pump; closed via cn.send when the reader exits.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range cn.send {
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	// Reader pump: this adapter only pushes, so inbound frames are
	// drained for connection liveness and discarded.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.conns[userID], cn.id)
	if len(s.conns[userID]) == 0 {
		delete(s.conns, userID)
	}
	s.mu.Unlock()

	close(cn.send)
	<-done
	_ = c.Close()

	if s.onDisconnect != nil {
		s.onDisconnect(userID, cn.id)
	}
	s.log.Debug("ws closed", logx.String("user", userID), logx.String("conn", cn.id))
}

// Push delivers p to all of the user's live connections, best effort.
func (s *Server) Push(ctx context.Context, userID string, p transport.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	// Snapshot under RLock, send outside it.
	s.mu.RLock()
	targets := make([]*conn, 0, len(s.conns[userID]))
	for _, cn := range s.conns[userID] {
		targets = append(targets, cn)
	}
	s.mu.RUnlock()

	for _, cn := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// A connection torn down between snapshot and send has a closed
		// channel; recover rather than coordinating another lock.
		func() {
			defer func() { _ = recover() }()
			select {
			case cn.send <- data:
			default:
				s.log.Debug("ws send dropped, slow consumer",
					logx.String("user", userID), logx.String("conn", cn.id))
			}
		}()
	}
	return nil
}
