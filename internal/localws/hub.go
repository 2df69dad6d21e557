// Package localws is the development transport: a WebSocket hub serving the
// same session protocol the API Gateway deployment speaks, over in-process
// sockets.
package localws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

const (
	maxFrameBytes = 32 << 10
	writeTimeout  = 5 * time.Second
)

// Session is the gateway surface the hub drives.
// Defined here for testability.
type Session interface {
	HandleConnect(ctx context.Context, connectionID, credential string) (domain.User, error)
	HandleDisconnect(ctx context.Context, connectionID string) (string, error)
	HandleAction(ctx context.Context, connectionID string, raw []byte) error
}

// Hub upgrades HTTP requests to WebSocket connections, feeds their frames to
// the session gateway, and is the gateway's pusher for outbound events. One
// hub instance carries every local connection.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	session Session
	conns   map[string]*conn
}

// conn serializes writes to one socket; gorilla allows one writer at a time.
type conn struct {
	mu   sync.Mutex
	sock *websocket.Conn
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates an empty hub. Attach the gateway with SetSession before
// serving.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger: slog.Default(),
		conns:  map[string]*conn{},
		upgrader: websocket.Upgrader{
			// Local development transport; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSession attaches the gateway the hub dispatches into. The hub and the
// gateway reference each other, so one of the two is wired late.
func (h *Hub) SetSession(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = s
}

func (h *Hub) currentSession() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// ServeHTTP upgrades the request and starts the connection's read loop. A
// credential in the token query parameter or the Authorization header binds
// immediately; without one the connection stays unbound until the client
// sends a connect action.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := h.currentSession()
	if sess == nil {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	connectionID := uuid.NewString()
	c := &conn{sock: sock}
	h.mu.Lock()
	h.conns[connectionID] = c
	h.mu.Unlock()

	credential := r.URL.Query().Get("token")
	if credential == "" {
		credential = r.Header.Get("Authorization")
	}
	if credential != "" {
		if _, err := sess.HandleConnect(r.Context(), connectionID, credential); err != nil {
			h.writeError(connectionID, err)
			h.drop(connectionID)
			return
		}
	}

	go h.readLoop(connectionID, c, sess)
}

func (h *Hub) readLoop(connectionID string, c *conn, sess Session) {
	defer func() {
		h.drop(connectionID)
		if _, err := sess.HandleDisconnect(context.Background(), connectionID); err != nil {
			h.logger.Warn("disconnect cleanup failed", "connectionId", connectionID, "err", err)
		}
	}()

	c.sock.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection closed", "connectionId", connectionID, "err", err)
			}
			return
		}
		if err := sess.HandleAction(context.Background(), connectionID, raw); err != nil {
			h.logger.Warn("action dispatch failed", "connectionId", connectionID, "err", err)
		}
	}
}

// Push serializes ev and writes it to connectionID's socket. An unknown
// connection reports an error so callers treat the recipient as offline.
func (h *Hub) Push(_ context.Context, connectionID string, ev session.Event) error {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("localws: connection %s gone", connectionID)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("localws: marshal event %q: %w", ev.Action, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("localws: write to %s: %w", connectionID, err)
	}
	return nil
}

// CloseAll disconnects every live socket. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for id, c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, id)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		c.mu.Unlock()
		_ = c.sock.Close()
	}
}

// drop unregisters and closes one connection. Safe to call twice; only the
// first caller finds the entry.
func (h *Hub) drop(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	delete(h.conns, connectionID)
	h.mu.Unlock()
	if ok {
		_ = c.sock.Close()
	}
}

// writeError pushes a terminal error event before dropping a connection
// whose bind failed.
func (h *Hub) writeError(connectionID string, err error) {
	var se *session.Error
	if !errors.As(err, &se) {
		se = session.NewError(session.ErrorInternal, "internal error", err)
	}
	pushErr := h.Push(context.Background(), connectionID, session.Event{
		Action: session.EventError,
		Data:   session.ErrorEvent{Error: se.Reason, Code: se.Code},
	})
	if pushErr != nil {
		h.logger.Warn("error frame write failed", "connectionId", connectionID, "err", pushErr)
	}
}
