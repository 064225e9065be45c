package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/cohost/internal/config"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// DisconnectHandler is called when a client disconnects.
type DisconnectHandler func(*Client)

// Client represents a connected WebSocket client.
type Client struct {
	ID                string
	Hub               *Hub
	Conn              *websocket.Conn
	Send              chan []byte
	Session           *domain.Session
	disconnectHandler DisconnectHandler
	closed            bool // guarded by Hub.mu
}

// SetDisconnectHandler sets the handler to be called on disconnect.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.disconnectHandler = handler
}

// topicState is one pubsub subscription shared by every local client
// interested in the topic.
type topicState struct {
	clients map[string]*Client
	cancel  context.CancelFunc
}

// Hub manages all WebSocket connections and the pubsub subscriptions they
// share. A topic is subscribed upstream when its first local client joins
// and released when the last one leaves.
type Hub struct {
	clients    map[string]*Client
	topics     map[string]*topicState
	register   chan *Client
	unregister chan *Client
	ps         pubsub.PubSub
	mu         sync.RWMutex
	config     config.WebSocketConfig
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub creates a new Hub fanning out through ps.
func NewHub(cfg config.WebSocketConfig, ps pubsub.PubSub) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		topics:     make(map[string]*topicState),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ps:         ps,
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NewClient creates a client bound to this hub.
func (h *Hub) NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:      id,
		Hub:     h,
		Conn:    conn,
		Send:    make(chan []byte, h.config.SendBuffer),
		Session: domain.NewSession(id),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	l := pkglog.L()
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l.Info().Str(pkglog.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for topic, ts := range h.topics {
					if _, in := ts.clients[client.ID]; in {
						h.leaveLocked(client, topic, ts)
					}
				}
				delete(h.clients, client.ID)
				client.closed = true
				close(client.Send)
			}
			h.mu.Unlock()
			l.Info().Str(pkglog.FieldClientID, client.ID).Msg("client unregistered")

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop releases every upstream subscription and ends Run.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, ts := range h.topics {
		ts.cancel()
		delete(h.topics, topic)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds client to topic, subscribing upstream if it is the first.
func (h *Hub) Subscribe(client *Client, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return fmt.Errorf("client %s is not registered", client.ID)
	}

	ts, ok := h.topics[topic]
	if !ok {
		subCtx, cancel := context.WithCancel(h.ctx)
		events, err := h.ps.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		ts = &topicState{clients: make(map[string]*Client), cancel: cancel}
		h.topics[topic] = ts
		go h.forward(subCtx, topic, ts, events)

		l := pkglog.L()
		l.Debug().Str(pkglog.FieldTopic, topic).Msg("topic subscribed upstream")
	}

	ts.clients[client.ID] = client
	return nil
}

// Unsubscribe removes client from topic, releasing it after the last client.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ts, ok := h.topics[topic]; ok {
		h.leaveLocked(client, topic, ts)
	}
}

func (h *Hub) leaveLocked(client *Client, topic string, ts *topicState) {
	delete(ts.clients, client.ID)
	if len(ts.clients) == 0 {
		ts.cancel()
		delete(h.topics, topic)

		l := pkglog.L()
		l.Debug().Str(pkglog.FieldTopic, topic).Msg("topic released")
	}
}

// Subscribers returns the number of local clients on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ts, ok := h.topics[topic]; ok {
		return len(ts.clients)
	}
	return 0
}

// Publish sends ev to every relay subscribed to topic.
func (h *Hub) Publish(ctx context.Context, topic string, ev *pubsub.Event) error {
	return h.ps.Publish(ctx, topic, ev)
}

func (h *Hub) forward(ctx context.Context, topic string, ts *topicState, events <-chan *pubsub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.deliver(topic, ts, ev)
		}
	}
}

func (h *Hub) deliver(topic string, ts *topicState, ev *pubsub.Event) {
	data, err := json.Marshal(&domain.MessageFrame{Type: domain.FrameMessage, Topic: topic, Event: ev})
	if err != nil {
		l := pkglog.L()
		l.Error().Err(err).Str(pkglog.FieldTopic, topic).Msg("failed to encode message frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range ts.clients {
		select {
		case client.Send <- data:
		default:
			// Client's send buffer is full
			go h.removeClient(client)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.Unregister(client)
}

// ReadPump pumps messages from the WebSocket connection to handler.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		if c.disconnectHandler != nil {
			c.disconnectHandler(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := pkglog.L()
				l.Error().Err(err).Str(pkglog.FieldClientID, c.ID).Msg("websocket error")
			}
			break
		}

		// client pings also count as liveness
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
		c.Session.UpdateActivity()

		handler(c, message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a frame for the client. A full buffer drops it.
func (c *Client) SendMessage(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.Send <- data:
	default:
	}
	return nil
}
