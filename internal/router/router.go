// Package router subscribes a participant to its signaling topics and
// dispatches decoded envelopes to the negotiator and the mic coordinator.
package router

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/bus"
	"github.com/weiawesome/wes-io-live/cohost/internal/codec"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// Negotiation receives the offer/answer/candidate exchange.
type Negotiation interface {
	OnOfferReceived(ctx context.Context, peer string, sdp webrtc.SessionDescription) error
	OnAnswerReceived(ctx context.Context, peer string, sdp webrtc.SessionDescription) error
	OnCandidateReceived(ctx context.Context, peer string, c webrtc.ICECandidateInit) error
}

// Mic receives the mic request workflow.
type Mic interface {
	OnRequestReceived(ctx context.Context, from string, p domain.MicRequestPayload) error
	OnResponsePushed(ctx context.Context, from string, status domain.MicStatus) error
	OnEndReceived(ctx context.Context, from, requester string) error
}

// Config identifies the participant the router delivers for.
type Config struct {
	RoomID        string
	Self          string
	IsBroadcaster bool
}

// Router owns the participant's bus subscriptions.
type Router struct {
	cfg    Config
	bus    bus.Bus
	neg    Negotiation
	mic    Mic
	logger zerolog.Logger
}

// New creates a router. Start must be called to subscribe.
func New(cfg Config, b bus.Bus, neg Negotiation, mic Mic, logger zerolog.Logger) *Router {
	return &Router{
		cfg: cfg,
		bus: b,
		neg: neg,
		mic: mic,
		logger: logger.With().
			Str("component", "router").
			Str(pkglog.FieldRoomID, cfg.RoomID).
			Str(pkglog.FieldIdentity, cfg.Self).
			Logger(),
	}
}

// Topics returns the topics this participant listens on.
func (r *Router) Topics() []string {
	topics := []string{pubsub.UserChannel(r.cfg.RoomID, r.cfg.Self)}
	if r.cfg.IsBroadcaster {
		topics = append(topics, pubsub.RoleChannel(r.cfg.RoomID, pubsub.RoleBroadcaster))
	}
	return topics
}

// Start subscribes to every topic. Deliveries stop when ctx ends or the
// bus is closed.
func (r *Router) Start(ctx context.Context) error {
	for _, topic := range r.Topics() {
		if err := r.bus.Subscribe(ctx, topic, r.Deliver); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Deliver handles one event off the bus. It never panics.
func (r *Router) Deliver(ctx context.Context, topic string, ev *pubsub.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str(pkglog.FieldTopic, topic).
				Bytes("stack", debug.Stack()).
				Msg("recovered from panic in signal handler")
		}
	}()

	env, err := codec.Decode(ev)
	if err != nil {
		r.drop(err, topic, ev)
		return
	}
	if !r.accept(env) {
		return
	}

	if err := r.dispatch(ctx, env); err != nil {
		r.report(err, env)
	}
}

func (r *Router) accept(env domain.Envelope) bool {
	switch {
	case env.From == "" || env.From == r.cfg.Self:
		return false
	case env.RoomID != r.cfg.RoomID:
		r.logger.Debug().Str("event_room", env.RoomID).Msg("envelope for another room, dropping")
		return false
	case env.Type == domain.SignalMicRequest:
		return r.cfg.IsBroadcaster
	case env.To != r.cfg.Self:
		r.logger.Debug().Str("to", env.To).Str(pkglog.FieldSignalType, string(env.Type)).Msg("misaddressed envelope, dropping")
		return false
	}
	return true
}

func (r *Router) dispatch(ctx context.Context, env domain.Envelope) error {
	switch env.Type {
	case domain.SignalOffer:
		return r.neg.OnOfferReceived(ctx, env.From, *env.SDP)
	case domain.SignalAnswer:
		return r.neg.OnAnswerReceived(ctx, env.From, *env.SDP)
	case domain.SignalICECandidate:
		return r.neg.OnCandidateReceived(ctx, env.From, *env.Candidate)
	case domain.SignalMicRequest:
		return r.mic.OnRequestReceived(ctx, env.From, *env.Request)
	case domain.SignalMicResponse:
		return r.mic.OnResponsePushed(ctx, env.From, env.Status)
	case domain.SignalMicEnd:
		return r.mic.OnEndReceived(ctx, env.From, env.Ended)
	}
	return fmt.Errorf("%q: %w", env.Type, domain.ErrUnknownSignal)
}

func (r *Router) drop(err error, topic string, ev *pubsub.Event) {
	evt := r.logger.Warn().Err(err).Str(pkglog.FieldTopic, topic)
	if ev != nil {
		evt = evt.Str(pkglog.FieldSignalType, ev.Type).Str(pkglog.FieldPeer, ev.From)
	}
	evt.Msg("dropping undecodable envelope")
}

func (r *Router) report(err error, env domain.Envelope) {
	var evt *zerolog.Event
	switch domain.Classify(err) {
	case domain.KindProtocol, domain.KindDecision:
		evt = r.logger.Warn()
	default:
		evt = r.logger.Error()
	}
	evt.Err(err).
		Str("kind", string(domain.Classify(err))).
		Str(pkglog.FieldSignalType, string(env.Type)).
		Str(pkglog.FieldPeer, env.From).
		Msg("signal handling failed")
}
