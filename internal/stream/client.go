package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var (
	errConnGone   = errors.New("connection no longer registered")
	errBufferFull = errors.New("client send buffer full")
)

// Client represents one websocket connection. A connection starts
// anonymous; the auth handshake binds it to a user and registers it for
// targeted settlement delivery.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	id      string

	mu     sync.RWMutex
	userID string
}

func (c *Client) authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != ""
}

// enqueue places a payload on the outbound buffer without blocking.
func (c *Client) enqueue(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		return errBufferFull
	}
}

// sendMessage marshals and enqueues one envelope, logging on failure.
func (c *Client) sendMessage(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.gateway.logger.Error().Err(err).Msg("failed to marshal message")
		return
	}
	if err := c.enqueue(payload); err != nil {
		c.gateway.logger.Debug().
			Str("conn_id", c.id).
			Str("event", msg.Event).
			Msg("dropped message, client buffer full")
	}
}

// readPump consumes client requests until the connection drops, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.gateway.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rejected := false
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.logger.Debug().Err(err).Str("conn_id", c.id).Msg("read error")
			}
			return
		}
		// A rejected connection is draining towards the close frame; its
		// outbound buffer is gone, so stop processing requests.
		if rejected {
			continue
		}

		var req clientRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.gateway.logger.Debug().Err(err).Str("conn_id", c.id).Msg("invalid client message")
			continue
		}

		switch req.Op {
		case "auth":
			rejected = !c.handleAuth(req.Token)
		case "history":
			if c.authenticated() {
				c.sendMessage(Message{Event: EventPriceHistory, Data: c.gateway.feed.History()})
			}
		default:
			c.gateway.logger.Debug().Str("op", req.Op).Msg("unknown client op")
		}
	}
}

// handleAuth validates the handshake token, binds the connection to the
// user, and replays the price history snapshot. A user authenticating on a
// new connection evicts, and closes, any previous one. It reports whether
// the connection survives the handshake.
func (c *Client) handleAuth(token string) bool {
	claims, err := c.gateway.auth.ValidateToken(token)
	if err != nil || claims.UserID == "" {
		c.sendMessage(Message{Event: EventAuthResult, Data: map[string]bool{"ok": false}})
		// Unregistering closes the outbound buffer; the write pump flushes
		// the failure frame, sends the close frame, and closes the socket.
		c.gateway.unregister(c)
		return false
	}

	c.mu.Lock()
	c.userID = claims.UserID
	c.mu.Unlock()

	if prev := c.gateway.registry.Register(claims.UserID, c.id); prev != "" {
		c.gateway.kick(prev)
	}

	c.gateway.logger.Info().
		Str("conn_id", c.id).
		Str("user_id", claims.UserID).
		Msg("client authenticated")

	c.sendMessage(Message{Event: EventAuthResult, Data: map[string]bool{"ok": true}})
	c.sendMessage(Message{Event: EventPriceHistory, Data: c.gateway.feed.History()})
	return true
}

// writePump drains the outbound buffer onto the wire and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
