package pubsub

import (
	"context"
	"errors"
	"sync"

	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// ErrClosed is returned by a closed MemoryPubSub.
var ErrClosed = errors.New("pubsub closed")

type memorySubscription struct {
	key     string
	pattern bool
	ch      chan *Event
	cancel  context.CancelFunc
}

// MemoryPubSub is an in-process PubSub for single-process deployments and
// tests. Publish copies into per-subscriber buffers without blocking, so
// events on one channel keep their publish order and a slow subscriber
// loses events instead of stalling publishers.
type MemoryPubSub struct {
	subs   map[string][]*memorySubscription
	closed bool
	mu     sync.RWMutex
}

// NewMemoryPubSub creates an empty in-memory bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]*memorySubscription)}
}

// Publish delivers the event to every matching subscriber.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	for _, list := range m.subs {
		for _, sub := range list {
			if sub.pattern && !matchPattern(sub.key, channel) {
				continue
			}
			if !sub.pattern && sub.key != channel {
				continue
			}
			cp := *event
			select {
			case sub.ch <- &cp:
			default:
				l := pkglog.L()
				l.Warn().Str(pkglog.FieldTopic, channel).Msg("subscriber buffer full, dropping event")
			}
		}
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, 100),
		cancel:  cancel,
	}
	m.subs[key] = append(m.subs[key], sub)

	go func() {
		<-subCtx.Done()
		m.remove(sub)
	}()

	return sub.ch, nil
}

func (m *MemoryPubSub) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.subs[sub.key]
	for i, s := range list {
		if s == sub {
			m.subs[sub.key] = append(list[:i], list[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(m.subs[sub.key]) == 0 {
		delete(m.subs, sub.key)
	}
}

// Unsubscribe drops every subscription registered under channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.RLock()
	list := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.RUnlock()

	for _, sub := range list {
		sub.cancel()
	}
	return nil
}

// Ping reports ErrClosed after Close.
func (m *MemoryPubSub) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close cancels every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	m.closed = true
	var all []*memorySubscription
	for _, list := range m.subs {
		all = append(all, list...)
	}
	m.mu.Unlock()

	for _, sub := range all {
		sub.cancel()
	}
	return nil
}

var _ PubSub = (*MemoryPubSub)(nil)
