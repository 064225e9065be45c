package router

import (
	"context"
	"fmt"

	"github.com/weiawesome/wes-io-live/cohost/internal/bus"
	"github.com/weiawesome/wes-io-live/cohost/internal/codec"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// Outbox is the domain.Sender for one participant. It stamps the sender
// identity and room on every envelope and picks the destination topic:
// mic requests go to the broadcaster role topic, everything else to the
// recipient's identity topic.
type Outbox struct {
	bus    bus.Bus
	roomID string
	self   string
}

// NewOutbox creates an outbox sending as self in roomID.
func NewOutbox(b bus.Bus, roomID, self string) *Outbox {
	return &Outbox{bus: b, roomID: roomID, self: self}
}

// Send implements domain.Sender.
func (o *Outbox) Send(ctx context.Context, env domain.Envelope) error {
	if !o.bus.Connected() {
		return domain.ErrBusDisconnected
	}

	env.From = o.self
	env.RoomID = o.roomID

	destination, err := o.destination(env)
	if err != nil {
		return err
	}

	ev, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return o.bus.Send(ctx, destination, ev)
}

func (o *Outbox) destination(env domain.Envelope) (string, error) {
	if env.Type == domain.SignalMicRequest {
		return pubsub.RoleChannel(o.roomID, pubsub.RoleBroadcaster), nil
	}
	if env.To == "" {
		return "", fmt.Errorf("%s without recipient: %w", env.Type, domain.ErrMalformedEnvelope)
	}
	return pubsub.UserChannel(o.roomID, env.To), nil
}

var _ domain.Sender = (*Outbox)(nil)
