package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mattdavey/papertrade/internal/auth"
	"github.com/mattdavey/papertrade/internal/feed"
	"github.com/mattdavey/papertrade/internal/sessions"
	"github.com/mattdavey/papertrade/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the envelope for everything the gateway sends.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Event names pushed to clients.
const (
	EventPrice        = "btcPrice"
	EventPriceHistory = "priceHistory"
	EventOrderSettled = "orderSettled"
	EventAuthResult   = "auth"
)

// clientRequest is what clients may send: an auth handshake announcing their
// identity, or a request to re-send the price history snapshot.
type clientRequest struct {
	Op    string `json:"op"` // "auth" or "history"
	Token string `json:"token,omitempty"`
}

// settledPayload is the client-facing shape of a settlement event.
type settledPayload struct {
	Side       string `json:"side"`
	Status     string `json:"status"`
	TotalValue string `json:"totalValue"`
}

// Gateway owns the client websocket connections. It broadcasts price ticks
// to authenticated clients, replays the history snapshot after the auth
// handshake, and delivers settlement events to the owning connection on
// behalf of the notification dispatcher.
type Gateway struct {
	auth     *auth.Service
	registry *sessions.Registry
	feed     *feed.Ingestor
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewGateway(authService *auth.Service, registry *sessions.Registry, ingestor *feed.Ingestor) *Gateway {
	return &Gateway{
		auth:     authService,
		registry: registry,
		feed:     ingestor,
		clients:  make(map[string]*Client),
		logger:   log.With().Str("component", "stream_gateway").Logger(),
	}
}

// Run subscribes to the feed and fans ticks out to authenticated clients
// until the context is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	id, ticks := g.feed.Subscribe()
	defer g.feed.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			g.broadcast(Message{Event: EventPrice, Data: tick})
		}
	}
}

// HandleWebSocket upgrades the request and starts the client pumps. The
// connection carries no identity until the client completes the auth
// handshake.
func (g *Gateway) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			g.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := &Client{
			gateway: g,
			conn:    conn,
			send:    make(chan []byte, 256),
			id:      uuid.New().String(),
		}

		g.mu.Lock()
		g.clients[client.id] = client
		g.mu.Unlock()
		g.logger.Info().Str("conn_id", client.id).Msg("client connected")

		go client.writePump()
		go client.readPump()
	}
}

// Send implements notify.Sender: it pushes a settlement event onto one
// connection's outbound buffer.
func (g *Gateway) Send(connID string, event types.SettlementEvent) error {
	payload, err := json.Marshal(Message{
		Event: EventOrderSettled,
		Data: settledPayload{
			Side:       event.Side,
			Status:     event.Status,
			TotalValue: event.TotalValue.StringFixed(2),
		},
	})
	if err != nil {
		return err
	}

	// Hold the read lock through the enqueue so the connection cannot be
	// unregistered, and its buffer closed, mid-send. enqueue never blocks.
	g.mu.RLock()
	defer g.mu.RUnlock()
	client, ok := g.clients[connID]
	if !ok {
		return errConnGone
	}
	return client.enqueue(payload)
}

// broadcast sends a message to every authenticated client. Clients whose
// buffers are full miss the message; they are not disconnected, the next
// tick supersedes the lost one anyway.
func (g *Gateway) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to marshal broadcast")
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, client := range g.clients {
		if !client.authenticated() {
			continue
		}
		_ = client.enqueue(payload)
	}
}

// unregister removes the client and its session mapping.
func (g *Gateway) unregister(client *Client) {
	g.registry.Unregister(client.id)

	g.mu.Lock()
	if _, ok := g.clients[client.id]; ok {
		delete(g.clients, client.id)
		close(client.send)
	}
	g.mu.Unlock()
	g.logger.Info().Str("conn_id", client.id).Msg("client disconnected")
}

// kick force-closes a superseded connection. Cleanup happens through its
// read pump exit.
func (g *Gateway) kick(connID string) {
	g.mu.RLock()
	client, ok := g.clients[connID]
	g.mu.RUnlock()
	if ok {
		client.conn.Close()
	}
}
