// Package session assembles one participant's signaling stack: registry,
// negotiator, mic coordinator, poller and router over a shared bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/bus"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/mic"
	"github.com/weiawesome/wes-io-live/cohost/internal/negotiator"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
	"github.com/weiawesome/wes-io-live/cohost/internal/router"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// Config identifies the participant and tunes its timers.
type Config struct {
	RoomID        string
	Self          string
	Broadcaster   string
	IsBroadcaster bool

	JoinTimeout  time.Duration
	PollInterval time.Duration
	Constraints  registry.Constraints
	Negotiator   negotiator.Config
}

// Deps are the session's external collaborators. Store and Observer are
// optional.
type Deps struct {
	Bus      bus.Bus
	Factory  registry.ConnectionFactory
	Media    registry.MediaSource
	Store    mic.DecisionStore
	Observer domain.Observer
}

// SignalingSession is the explicit context object for one participant in
// one room. All state lives here; nothing is global.
type SignalingSession struct {
	cfg    Config
	bus    bus.Bus
	logger zerolog.Logger

	registry   *registry.Registry
	negotiator *negotiator.Negotiator
	coord      *mic.Coordinator
	router     *router.Router
	poller     *mic.Poller

	cancel    context.CancelFunc
	started   bool
	closeOnce sync.Once
	mu        sync.Mutex
}

// New wires a session. Start must be called before any operation.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*SignalingSession, error) {
	if cfg.RoomID == "" || cfg.Self == "" {
		return nil, errors.New("session: room and identity are required")
	}
	if cfg.IsBroadcaster {
		cfg.Broadcaster = cfg.Self
	}
	if cfg.Broadcaster == "" {
		return nil, errors.New("session: broadcaster identity is required")
	}
	if deps.Bus == nil || deps.Factory == nil || deps.Media == nil {
		return nil, errors.New("session: bus, connection factory and media source are required")
	}
	if deps.Observer == nil {
		deps.Observer = domain.NopObserver{}
	}

	logger = logger.With().
		Str(pkglog.FieldRoomID, cfg.RoomID).
		Str(pkglog.FieldIdentity, cfg.Self).
		Logger()

	outbox := router.NewOutbox(deps.Bus, cfg.RoomID, cfg.Self)
	reg := registry.New(deps.Factory, deps.Media, cfg.Constraints, logger)
	neg := negotiator.New(reg, outbox, deps.Observer, cfg.Negotiator, logger)

	coord := mic.NewCoordinator(mic.Config{
		Self:          cfg.Self,
		RoomID:        cfg.RoomID,
		Broadcaster:   cfg.Broadcaster,
		IsBroadcaster: cfg.IsBroadcaster,
		JoinTimeout:   cfg.JoinTimeout,
	}, mic.Options{
		Sender:     outbox,
		Bus:        deps.Bus,
		Negotiator: neg,
		Media:      reg,
		Store:      deps.Store,
		Observer:   deps.Observer,
	}, logger)

	neg.SetMediaPolicy(coord.WantsMedia)
	neg.OnStateChange(coord.OnPeerStateChanged)

	s := &SignalingSession{
		cfg:        cfg,
		bus:        deps.Bus,
		logger:     logger.With().Str("component", "session").Logger(),
		registry:   reg,
		negotiator: neg,
		coord:      coord,
		router: router.New(router.Config{
			RoomID:        cfg.RoomID,
			Self:          cfg.Self,
			IsBroadcaster: cfg.IsBroadcaster,
		}, deps.Bus, neg, coord, logger),
	}

	if !cfg.IsBroadcaster && deps.Store != nil {
		s.poller = mic.NewPoller(coord, cfg.PollInterval, logger)
		coord.Subscribe(s.poller.HandleStatusChange)
	}
	return s, nil
}

// Start connects the bus if needed and subscribes to the participant's topics.
func (s *SignalingSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if !s.bus.Connected() {
		if err := s.bus.Connect(ctx); err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.router.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.started = true

	s.logger.Info().Bool("broadcaster", s.cfg.IsBroadcaster).Msg("signaling session started")
	return nil
}

// Close tears down every peer connection and stops all timers. It is
// idempotent. The bus is left open; it belongs to the caller.
func (s *SignalingSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		if s.poller != nil {
			s.poller.Stop()
		}
		s.coord.Close()
		s.negotiator.CloseAll()
		s.logger.Info().Msg("signaling session closed")
	})
	return nil
}

// Watch asks the broadcaster for its stream. Only viewers watch.
func (s *SignalingSession) Watch(ctx context.Context) error {
	if s.cfg.IsBroadcaster {
		return fmt.Errorf("watch: %w", domain.ErrWrongRole)
	}
	return s.negotiator.Initiate(ctx, s.cfg.Broadcaster)
}

// RequestMic asks the broadcaster to let this viewer co-broadcast.
func (s *SignalingSession) RequestMic(ctx context.Context) error {
	return s.coord.RequestMic(ctx, s.cfg.Self)
}

// Respond accepts or rejects requester's pending request.
func (s *SignalingSession) Respond(ctx context.Context, requester string, accept bool) error {
	return s.coord.Respond(ctx, requester, accept)
}

// EndMic ends the active co-host session with peer. Viewers may pass "".
func (s *SignalingSession) EndMic(ctx context.Context, peer string) error {
	return s.coord.EndMic(ctx, peer)
}

// Push makes the broadcaster offer its stream to peer.
func (s *SignalingSession) Push(ctx context.Context, peer string) error {
	if !s.cfg.IsBroadcaster {
		return fmt.Errorf("push: %w", domain.ErrWrongRole)
	}
	return s.negotiator.Initiate(ctx, peer)
}

// Hangup closes the connection with peer without touching any mic request.
func (s *SignalingSession) Hangup(peer string) {
	s.negotiator.Close(peer)
}

// MicStatus returns the state of requester's mic request.
func (s *SignalingSession) MicStatus(requester string) domain.MicStatus {
	return s.coord.Status(requester)
}

// PendingRequests returns requesters awaiting a decision.
func (s *SignalingSession) PendingRequests() []string {
	return s.coord.Outstanding()
}

// PeerState returns the negotiation state with peer.
func (s *SignalingSession) PeerState(peer string) domain.NegotiationState {
	return s.negotiator.State(peer)
}

// Peers returns every peer with a live connection record.
func (s *SignalingSession) Peers() []string {
	return s.registry.Peers()
}

// OnMicStatus registers a listener for mic request transitions.
func (s *SignalingSession) OnMicStatus(l mic.StatusListener) func() {
	return s.coord.Subscribe(l)
}

// Self returns the participant identity.
func (s *SignalingSession) Self() string {
	return s.cfg.Self
}

// IsBroadcaster reports the participant's role.
func (s *SignalingSession) IsBroadcaster() bool {
	return s.cfg.IsBroadcaster
}
