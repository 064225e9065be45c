package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/hub"
	"github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/middleware"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrTopicForbidden   = errors.New("topic not allowed")
)

type relayService struct {
	hub       *hub.Hub
	validator middleware.TokenValidator
}

// NewRelayService creates a relay authenticating clients with validator.
func NewRelayService(h *hub.Hub, validator middleware.TokenValidator) RelayService {
	return &relayService{
		hub:       h,
		validator: validator,
	}
}

func (s *relayService) HandleAuth(ctx context.Context, c *hub.Client, token string) error {
	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		c.SendMessage(&domain.AuthResultFrame{
			Type:    domain.FrameAuthResult,
			Success: false,
			Message: "invalid token",
		})
		return fmt.Errorf("invalid token: %w", err)
	}

	c.Session.Authenticate(claims.UserID, claims.Username, claims.Roles)

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldClientID, c.ID).
		Str(log.FieldUserID, claims.UserID).
		Str(log.FieldUsername, claims.Username).
		Msg("relay client authenticated")

	return c.SendMessage(&domain.AuthResultFrame{
		Type:     domain.FrameAuthResult,
		Success:  true,
		UserID:   claims.UserID,
		Username: claims.Username,
	})
}

// authorize reports whether the session may listen on topic: its own
// identity topic in any room, or a role topic for a role it holds.
func authorize(sess *domain.Session, topic string) error {
	info, err := pubsub.ParseChannel(topic)
	if err != nil {
		return err
	}
	switch info.Kind {
	case "user":
		if info.Name == sess.Identity() {
			return nil
		}
	case "role":
		if sess.HasRole(info.Name) {
			return nil
		}
	}
	return ErrTopicForbidden
}

func (s *relayService) HandleSubscribe(ctx context.Context, c *hub.Client, topic string) error {
	if !c.Session.IsAuthenticated() {
		c.SendMessage(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "not authenticated"))
		return ErrNotAuthenticated
	}

	if err := authorize(c.Session, topic); err != nil {
		if errors.Is(err, ErrTopicForbidden) {
			c.SendMessage(domain.NewErrorFrame(domain.ErrCodeForbidden, "not allowed to subscribe to "+topic))
		} else {
			c.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, err.Error()))
		}
		return err
	}

	if err := s.hub.Subscribe(c, topic); err != nil {
		c.SendMessage(domain.NewErrorFrame(domain.ErrCodeInternalError, "subscribe failed"))
		return err
	}

	return c.SendMessage(&domain.SubscribedFrame{Type: domain.FrameSubscribed, Topic: topic})
}

func (s *relayService) HandleUnsubscribe(ctx context.Context, c *hub.Client, topic string) error {
	s.hub.Unsubscribe(c, topic)
	return nil
}

// HandleSend publishes ev on destination. From is always the sender's
// authenticated identity, whatever the client put there.
func (s *relayService) HandleSend(ctx context.Context, c *hub.Client, destination string, ev *pubsub.Event) error {
	if !c.Session.IsAuthenticated() {
		c.SendMessage(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "not authenticated"))
		return ErrNotAuthenticated
	}
	if ev == nil || ev.Type == "" {
		c.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, "missing event"))
		return errors.New("missing event")
	}

	info, err := pubsub.ParseChannel(destination)
	if err != nil {
		c.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, err.Error()))
		return err
	}
	if ev.RoomID == "" {
		ev.RoomID = info.RoomID
	} else if ev.RoomID != info.RoomID {
		c.SendMessage(domain.NewErrorFrame(domain.ErrCodeBadRequest, "event room does not match destination"))
		return fmt.Errorf("event room %s does not match destination %s", ev.RoomID, destination)
	}

	ev.From = c.Session.Identity()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if err := s.hub.Publish(ctx, destination, ev); err != nil {
		c.SendMessage(domain.NewErrorFrame(domain.ErrCodeInternalError, "publish failed"))
		return fmt.Errorf("failed to publish to %s: %w", destination, err)
	}
	return nil
}

func (s *relayService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldClientID, c.ID).Str(log.FieldIdentity, c.Session.Identity()).Msg("relay client disconnected")
	return nil
}
