// Package ws serves answer sessions over a websocket. A connection can run
// several sessions at once; every frame carries its session ID.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/logging"
	"github.com/ziadkadry99/partychat/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Orchestrator runs sessions.
type Orchestrator interface {
	Submit(ctx context.Context, q domain.Question, notify func(session.Transition)) (*session.Session, error)
	Cancel(id string) bool
}

// Handler upgrades requests to websocket connections.
type Handler struct {
	orch     Orchestrator
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a handler serving sessions of orch. With allowAll set,
// connections from any origin are accepted.
func NewHandler(orch Orchestrator, logger *zap.Logger, allowAll bool) *Handler {
	h := &Handler{orch: orch, logger: logging.OrNop(logger)}
	if allowAll {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		h:     h,
		ws:    ws,
		ctx:   ctx,
		owned: make(map[string]bool),
		log:   h.logger.With(zap.String("remote", r.RemoteAddr)),
	}
	defer func() {
		cancel()
		c.wg.Wait()
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.wg.Add(1)
	go c.keepalive()
	c.readLoop()
}

type conn struct {
	h   *Handler
	ws  *websocket.Conn
	ctx context.Context
	log *zap.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	owned map[string]bool

	wg sync.WaitGroup
}

func (c *conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read", zap.Error(err))
			}
			return
		}

		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.write(Frame{Type: FrameRejected, Message: "invalid message format"})
			continue
		}

		switch req.Type {
		case typeAsk:
			c.ask(req)
		case typeCancel:
			c.cancel(req)
		case typePing:
			c.write(Frame{Type: FramePong, RequestID: req.RequestID})
		default:
			c.write(Frame{Type: FrameRejected, RequestID: req.RequestID, Message: "unknown message type: " + req.Type})
		}
	}
}

func (c *conn) ask(req request) {
	// Lifecycle frames wait until the client knows the session ID.
	ready := make(chan struct{})
	notify := func(t session.Transition) {
		select {
		case <-ready:
		case <-c.ctx.Done():
			return
		}
		c.write(stateFrame(t))
	}

	s, err := c.h.orch.Submit(c.ctx, req.question(), notify)
	if err != nil {
		c.write(Frame{Type: FrameRejected, RequestID: req.RequestID, Message: "server is shutting down"})
		return
	}

	c.mu.Lock()
	c.owned[s.ID()] = true
	c.mu.Unlock()

	c.write(Frame{Type: FrameSession, SessionID: s.ID(), RequestID: req.RequestID})
	close(ready)

	c.wg.Add(1)
	go c.pump(s)
}

// pump forwards the events of s until its stream ends.
func (c *conn) pump(s *session.Session) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.owned, s.ID())
		c.mu.Unlock()
	}()

	for ev := range s.Events() {
		if err := c.write(eventFrame(s.ID(), ev)); err != nil {
			s.Detach()
		}
	}
}

func (c *conn) cancel(req request) {
	c.mu.Lock()
	owned := c.owned[req.SessionID]
	c.mu.Unlock()

	if !owned || !c.h.orch.Cancel(req.SessionID) {
		c.write(Frame{Type: FrameCancelRejected, SessionID: req.SessionID, RequestID: req.RequestID, Message: "no running session with this id"})
	}
}

func (c *conn) keepalive() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(f); err != nil {
		c.log.Debug("websocket write", zap.String("type", f.Type), zap.Error(err))
		return err
	}
	return nil
}
