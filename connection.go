package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/matchengine"
)

// writeWait bounds every individual WebSocket write, mirroring the
// teacher's fixed write deadline (distinct from the configurable
// SEND_TIMEOUT, which bounds how long a frame may wait to be queued).
const writeWait = 10 * time.Second

// Connection is one accepted WebSocket client, holding its own bounded
// outbound queue and read/write pump goroutines. Grounded on the
// teacher's Client struct and serveWS reader/writer goroutine pair,
// generalized with a role and subscribed channel instead of an opaque id.
type Connection struct {
	id           string
	hub          *Hub
	conn         *websocket.Conn
	matchID      string
	tournamentID string
	channel      string
	role         string
	subjectID    string
	roles        []matchengine.Role

	send   chan []byte
	closed chan struct{}
	once   sync.Once
	log    *logging.Logger
}

func newConnection(hub *Hub, wsConn *websocket.Conn, matchID, tournamentID, channel, role string, claims *auth.TokenClaims, logger *logging.Logger) *Connection {
	id := uuid.NewString()
	subjectID := ""
	var roles []matchengine.Role
	if claims != nil {
		subjectID = claims.Subject
		roles = claimsToRoles(claims)
	}
	queueSize := hub.cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Connection{
		id:           id,
		hub:          hub,
		conn:         wsConn,
		matchID:      matchID,
		tournamentID: tournamentID,
		channel:      channel,
		role:         role,
		subjectID:    subjectID,
		roles:        roles,
		send:         make(chan []byte, queueSize),
		closed:       make(chan struct{}),
		log:          logger,
	}
}

// sendConnectionStatus announces the accepted role and channel once,
// letting clients confirm whether their referee role request was honored.
func (c *Connection) sendConnectionStatus() {
	data, _ := json.Marshal(connectionStatusPayload{ConnectionID: c.id, Role: c.role, Channel: c.channel})
	raw, err := encodeFrame(Frame{Type: FrameConnectionStatus, MatchID: c.matchID, TournamentID: c.tournamentID, Data: data}, time.Now())
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// enqueue delivers payload to the client's outbound queue, evicting the
// connection with 1013/"slow_consumer" if the queue is full and stays
// full for longer than SEND_TIMEOUT (spec.md §4.6). Never blocks the
// caller beyond that bound, so one slow client never stalls the
// Broadcast Dispatcher.
func (c *Connection) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.closed:
		return false
	default:
	}

	timeout := c.hub.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.send <- payload:
		return true
	case <-timer.C:
		c.log.Warn("evicting slow consumer", logging.String("connection_id", c.id))
		c.closeWithPolicy(1013, "slow_consumer")
		return false
	case <-c.closed:
		return false
	}
}

// run drives the connection's lifetime: the write pump runs in its own
// goroutine while the read pump blocks the caller, matching the
// teacher's reader/writer goroutine split in serveWS.
func (c *Connection) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	idleTimeout := c.hub.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		messageType, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err, idleTimeout)
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			c.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleInbound(ctx, msg)
	}
}

func (c *Connection) logReadError(err error, idleTimeout time.Duration) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		c.log.Warn("idle timeout exceeded", logging.Error(err))
		c.closeWithPolicy(4000, "idle")
	case websocket.IsCloseError(err, websocket.CloseMessageTooBig) || errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("closing connection due to oversized payload", logging.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
		c.log.Debug("websocket closed by peer", logging.Error(err))
	default:
		c.log.Debug("read loop terminated", logging.Error(err))
	}
	_ = idleTimeout
}

func (c *Connection) handleInbound(ctx context.Context, raw []byte) {
	if !c.hub.bandwidth.Allow(c.id, len(raw)) {
		c.log.Debug("dropping inbound frame: bandwidth exceeded", logging.String("connection_id", c.id))
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.enqueue(errorFrame(c.matchID, "MalformedCommand", "invalid JSON frame", "", time.Now()))
		return
	}

	switch frame.Type {
	case FramePing:
		pong, err := encodeFrame(Frame{Type: FramePong, MatchID: c.matchID, CorrelationID: frame.CorrelationID}, time.Now())
		if err == nil {
			c.enqueue(pong)
		}
	case FrameScoreUpdate, FrameMatchStateUpdate, FrameTimerUpdateClient, FrameComment:
		c.hub.router.HandleCommand(ctx, c, frame)
	default:
		c.enqueue(errorFrame(c.matchID, "MalformedCommand", "unsupported frame type", frame.CorrelationID, time.Now()))
	}
}

func (c *Connection) writePump() {
	pingInterval := c.hub.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("failed to set write deadline", logging.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// closeWithPolicy sends a close control frame with the given code/reason
// and tears the connection down. Safe to call more than once.
func (c *Connection) closeWithPolicy(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// close releases the connection's resources without sending an explicit
// policy close code, used on normal deregistration.
func (c *Connection) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
