package service

import (
	"context"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/hub"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// MicStatusService records and serves broadcaster decisions for the poll path.
type MicStatusService interface {
	RecordDecision(ctx context.Context, roomID, responder string, req *domain.RecordDecisionRequest) (*domain.MicDecision, error)
	GetDecision(ctx context.Context, roomID, requester string) (*domain.MicDecision, error)
	ClearDecision(ctx context.Context, roomID, requester string) error
}

// RelayService serves the relay's websocket frames.
type RelayService interface {
	HandleAuth(ctx context.Context, c *hub.Client, token string) error
	HandleSubscribe(ctx context.Context, c *hub.Client, topic string) error
	HandleUnsubscribe(ctx context.Context, c *hub.Client, topic string) error
	HandleSend(ctx context.Context, c *hub.Client, destination string, ev *pubsub.Event) error
	HandleDisconnect(ctx context.Context, c *hub.Client) error
}
