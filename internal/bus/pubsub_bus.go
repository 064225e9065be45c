package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// PubSubBus talks to the broker directly through pkg/pubsub.
type PubSubBus struct {
	ps             pubsub.PubSub
	healthInterval time.Duration
	logger         zerolog.Logger

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	topics    map[string]context.CancelFunc
}

// NewPubSubBus wraps ps. healthInterval controls how often the broker is
// pinged to keep Connected current.
func NewPubSubBus(ps pubsub.PubSub, healthInterval time.Duration, logger zerolog.Logger) *PubSubBus {
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubBus{
		ps:             ps,
		healthInterval: healthInterval,
		logger:         logger.With().Str("component", "bus").Logger(),
		ctx:            ctx,
		cancel:         cancel,
		topics:         make(map[string]context.CancelFunc),
	}
}

// Connect pings the broker and starts the health loop.
func (b *PubSubBus) Connect(ctx context.Context) error {
	if err := b.ps.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBusDisconnected, err)
	}
	if b.connected.Swap(true) {
		return nil
	}

	b.wg.Add(1)
	go b.health()
	return nil
}

func (b *PubSubBus) health() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(b.ctx, b.healthInterval)
			err := b.ps.Ping(ctx)
			cancel()

			was := b.connected.Swap(err == nil)
			switch {
			case err != nil && was:
				b.logger.Warn().Err(err).Msg("signaling broker unreachable")
			case err == nil && !was:
				b.logger.Info().Msg("signaling broker reachable again")
			}
		}
	}
}

// Subscribe delivers events on topic to h until the bus is closed or ctx ends.
func (b *PubSubBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	if _, ok := b.topics[topic]; ok {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", topic)
	}
	subCtx, cancel := context.WithCancel(b.ctx)
	b.topics[topic] = cancel
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)

	events, err := b.ps.Subscribe(subCtx, topic)
	if err != nil {
		stop()
		cancel()
		b.mu.Lock()
		delete(b.topics, topic)
		b.mu.Unlock()
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrBusDisconnected, topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer stop()
		for ev := range events {
			h(subCtx, topic, ev)
		}
		if subCtx.Err() == nil {
			b.logger.Warn().Str(pkglog.FieldTopic, topic).Msg("subscription closed by broker")
		}
	}()

	b.logger.Debug().Str(pkglog.FieldTopic, topic).Msg("subscribed")
	return nil
}

// Send publishes ev on destination.
func (b *PubSubBus) Send(ctx context.Context, destination string, ev *pubsub.Event) error {
	if !b.connected.Load() {
		return domain.ErrBusDisconnected
	}
	if err := b.ps.Publish(ctx, destination, ev); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return nil
}

// Connected reports the last known broker reachability.
func (b *PubSubBus) Connected() bool {
	return b.connected.Load()
}

// Close ends every subscription. The underlying PubSub is left open; it
// belongs to the caller.
func (b *PubSubBus) Close() error {
	b.connected.Store(false)
	b.cancel()

	b.mu.Lock()
	for topic, cancel := range b.topics {
		cancel()
		_ = b.ps.Unsubscribe(context.Background(), topic)
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
