// Package bus is the signaling transport: topic subscribe plus
// point-to-point send, over a pubsub broker or a relay websocket.
package bus

import (
	"context"

	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// Handler receives events delivered on a topic. Events on one topic are
// delivered one at a time, in arrival order.
type Handler func(ctx context.Context, topic string, ev *pubsub.Event)

// Bus is a persistent, authenticated, topic-addressed channel.
type Bus interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Send(ctx context.Context, destination string, ev *pubsub.Event) error
	Connected() bool
	Close() error
}
