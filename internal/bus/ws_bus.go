package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// WSConfig configures the relay client.
type WSConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

func (c *WSConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
}

type topicWorker struct {
	events chan *pubsub.Event
	ctx    context.Context
	cancel context.CancelFunc
}

// WSBus reaches the bus through the relay server's websocket.
type WSBus struct {
	cfg    WSConfig
	logger zerolog.Logger

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	connected atomic.Bool
	identity  string

	workers map[string]*topicWorker
	mu      sync.Mutex
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWSBus creates a relay client. Connect must be called before use.
func NewWSBus(cfg WSConfig, logger zerolog.Logger) *WSBus {
	cfg.applyDefaults()
	return &WSBus{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ws_bus").Logger(),
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		workers: make(map[string]*topicWorker),
	}
}

// Connect dials the relay and authenticates with the configured token.
func (b *WSBus) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, b.cfg.URL, http.Header{})
	if err != nil {
		return fmt.Errorf("%w: dial relay: %v", domain.ErrBusDisconnected, err)
	}

	if err := b.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	b.conn = conn
	b.connected.Store(true)

	b.wg.Add(2)
	go b.readPump()
	go b.writePump()

	b.logger.Info().Str(pkglog.FieldIdentity, b.identity).Str("url", b.cfg.URL).Msg("connected to relay")
	return nil
}

func (b *WSBus) authenticate(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
	if err := conn.WriteJSON(domain.AuthFrame{Type: domain.FrameAuth, Token: b.cfg.Token}); err != nil {
		return fmt.Errorf("%w: send auth: %v", domain.ErrBusDisconnected, err)
	}

	conn.SetReadDeadline(time.Now().Add(b.cfg.DialTimeout))
	var res domain.AuthResultFrame
	if err := conn.ReadJSON(&res); err != nil {
		return fmt.Errorf("%w: read auth result: %v", domain.ErrBusDisconnected, err)
	}
	if res.Type != domain.FrameAuthResult || !res.Success {
		return fmt.Errorf("%w: relay rejected credentials: %s", domain.ErrBusDisconnected, res.Message)
	}
	b.identity = res.Username
	return nil
}

// Identity returns the identity the relay authenticated us as.
func (b *WSBus) Identity() string {
	return b.identity
}

// Subscribe asks the relay for topic and delivers its events to h.
func (b *WSBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	if !b.connected.Load() {
		return domain.ErrBusDisconnected
	}

	b.mu.Lock()
	if _, ok := b.workers[topic]; ok {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", topic)
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &topicWorker{events: make(chan *pubsub.Event, 64), ctx: wctx, cancel: cancel}
	b.workers[topic] = w
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-wctx.Done():
				return
			case <-b.done:
				return
			case ev := <-w.events:
				h(wctx, topic, ev)
			}
		}
	}()

	if err := b.write(ctx, domain.TopicFrame{Type: domain.FrameSubscribe, Topic: topic}); err != nil {
		b.mu.Lock()
		delete(b.workers, topic)
		b.mu.Unlock()
		cancel()
		return err
	}
	return nil
}

// Send asks the relay to publish ev on destination.
func (b *WSBus) Send(ctx context.Context, destination string, ev *pubsub.Event) error {
	if err := b.write(ctx, domain.SendFrame{Type: domain.FrameSend, Destination: destination, Event: ev}); err != nil {
		if errors.Is(err, domain.ErrBusDisconnected) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return nil
}

func (b *WSBus) write(ctx context.Context, frame any) error {
	if !b.connected.Load() {
		return domain.ErrBusDisconnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case b.send <- data:
		return nil
	case <-b.done:
		return domain.ErrBusDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the relay connection is up.
func (b *WSBus) Connected() bool {
	return b.connected.Load()
}

func (b *WSBus) readPump() {
	defer b.wg.Done()
	defer b.shutdown()

	b.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	b.conn.SetPongHandler(func(string) error {
		b.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Error().Err(err).Msg("relay connection lost")
			}
			return
		}
		b.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
		b.handleFrame(data)
	}
}

func (b *WSBus) handleFrame(data []byte) {
	var base domain.BaseFrame
	if err := json.Unmarshal(data, &base); err != nil {
		b.logger.Warn().Err(err).Msg("undecodable relay frame")
		return
	}

	switch base.Type {
	case domain.FrameMessage:
		var msg domain.MessageFrame
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == nil {
			b.logger.Warn().Err(err).Msg("malformed relay message")
			return
		}
		b.mu.Lock()
		w, ok := b.workers[msg.Topic]
		b.mu.Unlock()
		if !ok {
			return
		}
		select {
		case w.events <- msg.Event:
		case <-w.ctx.Done():
		case <-b.done:
		}

	case domain.FrameSubscribed:
		var sub domain.SubscribedFrame
		_ = json.Unmarshal(data, &sub)
		b.logger.Debug().Str(pkglog.FieldTopic, sub.Topic).Msg("subscribed")

	case domain.FrameError:
		var e domain.ErrorFrame
		_ = json.Unmarshal(data, &e)
		b.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("relay error")

	case domain.FramePong:
	default:
		b.logger.Debug().Str("type", base.Type).Msg("ignoring relay frame")
	}
}

func (b *WSBus) writePump() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
			b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-b.send:
			b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Warn().Err(err).Msg("relay write failed")
				b.shutdown()
				return
			}

		case <-ticker.C:
			b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.shutdown()
				return
			}
		}
	}
}

func (b *WSBus) shutdown() {
	b.once.Do(func() {
		b.connected.Store(false)
		close(b.done)
	})
}

// Close disconnects from the relay.
func (b *WSBus) Close() error {
	b.shutdown()
	if b.conn == nil {
		return nil
	}

	b.mu.Lock()
	for topic, w := range b.workers {
		w.cancel()
		delete(b.workers, topic)
	}
	b.mu.Unlock()

	// writePump sends the close frame; give the relay a moment to echo it.
	time.Sleep(50 * time.Millisecond)
	err := b.conn.Close()
	b.wg.Wait()
	return err
}
