package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/session"
	"github.com/KlikkAI/reporunner-sub010/internal/config"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
	apperrors "github.com/KlikkAI/reporunner-sub010/internal/errors"
	"github.com/KlikkAI/reporunner-sub010/internal/interfaces/dispatch"
)

// Client is one participant's WebSocket connection to one session. It
// implements ports.Connection: the session pushes envelopes through Send
// and the write pump drains them in order.
type Client struct {
	id       string
	userID   string
	identity session.Identity
	hub      *Hub
	conn     *websocket.Conn
	session  *session.Session
	cfg      config.Server
	logger   *zap.Logger

	send chan []byte

	mu          sync.Mutex
	closed      bool
	closeReason string
	closing     chan struct{}
}

func newClient(id session.Identity, hub *Hub, conn *websocket.Conn, s *session.Session, cfg config.Server, logger *zap.Logger) *Client {
	connID := uuid.NewString()
	return &Client{
		id:       connID,
		userID:   id.UserID,
		identity: id,
		hub:      hub,
		conn:     conn,
		session:  s,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBuffer),
		closing:  make(chan struct{}),
		logger: logger.With(
			zap.String("userID", id.UserID),
			zap.String("connectionID", connID),
			zap.String("sessionID", s.ID()),
		),
	}
}

// ID returns the connection ID.
func (c *Client) ID() string { return c.id }

// Send queues env for the write pump. A full buffer drops the message and
// reports false.
func (c *Client) Send(env events.Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.String("type", env.Type), zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		c.hub.metrics.MessagesSent.Add(1)
		return true
	default:
		c.hub.metrics.MessagesDropped.Add(1)
		return false
	}
}

// Close asks the write pump to flush what is queued and close the socket.
func (c *Client) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeReason = reason
	close(c.closing)
}

// readPump pumps messages from the WebSocket connection to the session
func (c *Client) readPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	left := false
	defer func() {
		cancel()
		c.hub.remove(c)
		c.Close(events.ReasonDisconnect)
		if left {
			return
		}

		dctx, dcancel := context.WithTimeout(context.Background(), c.cfg.WriteWait)
		defer dcancel()
		if err := c.session.Disconnect(dctx, c.userID, c); err != nil && apperrors.CodeOf(err) != apperrors.CodeSessionClosed.String() {
			c.logger.Warn("Failed to record disconnect", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.sendError(apperrors.Validation(apperrors.CodeMalformedMessage.String(), "binary messages are not supported").Build(), "")
			continue
		}
		if dispatch.Handle(ctx, c.session, c.identity, c, bytes.TrimSpace(message)) == dispatch.Left {
			c.Close(events.ReasonExplicit)
			left = true
			return
		}
	}
}

// writePump pumps queued envelopes to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-c.closing:
			// Deliver what the session queued before closing, typically
			// session.ended.
			for n := len(c.send); n > 0; n-- {
				if err := c.write(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
			c.mu.Lock()
			reason := c.closeReason
			c.mu.Unlock()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			return

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) sendError(err error, operationID string) {
	dispatch.SendError(c, c.session.ID(), err, operationID)
}
