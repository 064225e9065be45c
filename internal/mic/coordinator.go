// Package mic runs the mic request workflow: a viewer asks to co-broadcast,
// the broadcaster decides, and the decision reaches the viewer by push or
// by polling the durable store, whichever comes first.
package mic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Config identifies the local participant.
type Config struct {
	Self          string
	RoomID        string
	Broadcaster   string
	IsBroadcaster bool
	// JoinTimeout bounds how long an accepted viewer waits for the
	// broadcaster's offer before the request is failed.
	JoinTimeout time.Duration
}

// Options are the coordinator's collaborators. Store may be nil, in which
// case decisions travel by push only.
type Options struct {
	Sender     domain.Sender
	Bus        Connectivity
	Negotiator Negotiator
	Media      MediaWarmer
	Store      DecisionStore
	Observer   domain.Observer
}

const defaultJoinTimeout = 20 * time.Second

// Coordinator owns every mic request this participant knows about.
type Coordinator struct {
	cfg    Config
	opts   Options
	logger zerolog.Logger

	requests   map[string]*domain.MicRequest
	joinTimers map[string]*time.Timer
	mu         sync.Mutex

	listeners map[int]StatusListener
	nextID    int
	lmu       sync.RWMutex
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, opts Options, logger zerolog.Logger) *Coordinator {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if opts.Observer == nil {
		opts.Observer = domain.NopObserver{}
	}
	return &Coordinator{
		cfg:        cfg,
		opts:       opts,
		logger:     logger.With().Str("component", "mic").Logger(),
		requests:   make(map[string]*domain.MicRequest),
		joinTimers: make(map[string]*time.Timer),
		listeners:  make(map[int]StatusListener),
	}
}

// Subscribe registers l for status changes and returns a function that
// removes it.
func (c *Coordinator) Subscribe(l StatusListener) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) publish(requester string, from, to domain.MicStatus, createdAt int64) {
	c.logger.Info().
		Str(pkglog.FieldRequester, requester).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("mic request status changed")

	c.lmu.RLock()
	listeners := make([]StatusListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.lmu.RUnlock()

	change := domain.StatusChange{Requester: requester, From: from, To: to, CreatedAt: createdAt}
	for _, l := range listeners {
		l(change)
	}
}

// Status returns the status of requester's request.
func (c *Coordinator) Status(requester string) domain.MicStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.requests[requester]; ok {
		return req.Status
	}
	return domain.MicNone
}

// Request returns a copy of requester's request.
func (c *Coordinator) Request(requester string) (domain.MicRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.requests[requester]; ok {
		return *req, true
	}
	return domain.MicRequest{}, false
}

// Outstanding returns the requesters whose requests await a decision.
func (c *Coordinator) Outstanding() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for r, req := range c.requests {
		if req.Status == domain.MicPending {
			out = append(out, r)
		}
	}
	return out
}

// WantsMedia is the negotiator media policy. The broadcaster always sends;
// a viewer sends to the broadcaster only while its mic request is live.
func (c *Coordinator) WantsMedia(peer string) bool {
	if c.cfg.IsBroadcaster {
		return true
	}
	if peer != c.cfg.Broadcaster {
		return false
	}
	s := c.Status(c.cfg.Self)
	return s == domain.MicPending || s == domain.MicAccepted
}

// peerFor returns the identity on the other end of requester's session.
func (c *Coordinator) peerFor(requester string) string {
	if c.cfg.IsBroadcaster {
		return requester
	}
	return c.cfg.Broadcaster
}

// RequestMic asks the broadcaster to let requester co-broadcast.
func (c *Coordinator) RequestMic(ctx context.Context, requester string) error {
	if c.cfg.IsBroadcaster {
		return fmt.Errorf("request mic: %w", domain.ErrWrongRole)
	}
	if requester == "" {
		requester = c.cfg.Self
	}
	if requester != c.cfg.Self {
		return fmt.Errorf("request mic for %s: %w", requester, domain.ErrWrongRole)
	}
	if c.opts.Bus == nil || !c.opts.Bus.Connected() {
		return fmt.Errorf("request mic: %w", domain.ErrBusDisconnected)
	}

	c.mu.Lock()
	prev := c.requests[requester]
	if prev != nil {
		switch prev.Status {
		case domain.MicPending:
			c.mu.Unlock()
			return domain.ErrAlreadyPending
		case domain.MicAccepted:
			c.mu.Unlock()
			return domain.ErrAlreadyActive
		}
	}
	req := &domain.MicRequest{Requester: requester, Status: domain.MicPending, CreatedAt: domain.NowMillis()}
	c.requests[requester] = req
	c.mu.Unlock()

	prevStatus := domain.MicNone
	if prev != nil {
		prevStatus = prev.Status
	}

	if err := c.opts.Sender.Send(ctx, domain.NewMicRequest(requester, req.CreatedAt)); err != nil {
		c.mu.Lock()
		if c.requests[requester] == req {
			if prev != nil {
				c.requests[requester] = prev
			} else {
				delete(c.requests, requester)
			}
		}
		c.mu.Unlock()
		return fmt.Errorf("send mic request: %w", err)
	}

	c.publish(requester, prevStatus, domain.MicPending, req.CreatedAt)
	return nil
}

// OnResponsePushed applies a decision pushed over the bus.
func (c *Coordinator) OnResponsePushed(ctx context.Context, from string, status domain.MicStatus) error {
	if c.cfg.IsBroadcaster {
		return fmt.Errorf("mic response: %w", domain.ErrWrongRole)
	}
	if from != "" && c.cfg.Broadcaster != "" && from != c.cfg.Broadcaster {
		c.logger.Warn().Str("from", from).Msg("mic response not from broadcaster, ignoring")
		return nil
	}
	return c.transition(ctx, c.cfg.Self, status, "push")
}

// PollStatus probes the durable store for a decision on requester's pending
// request and applies it. It returns the request's status afterwards; the
// caller keeps polling only while that is PENDING.
func (c *Coordinator) PollStatus(ctx context.Context, requester string) (domain.MicStatus, error) {
	req, ok := c.Request(requester)
	if !ok || req.Status != domain.MicPending {
		return req.Status, nil
	}
	if c.opts.Store == nil {
		return req.Status, nil
	}

	d, err := c.opts.Store.FetchDecision(ctx, c.cfg.RoomID, requester)
	if err != nil {
		return req.Status, fmt.Errorf("poll mic status: %w", err)
	}
	if d == nil || !d.Status.Decided() {
		return req.Status, nil
	}
	if d.RequestedAt != 0 && d.RequestedAt != req.CreatedAt {
		c.logger.Debug().Str(pkglog.FieldRequester, requester).Int64("requested_at", d.RequestedAt).Msg("ignoring decision for an earlier request")
		return req.Status, nil
	}

	// Publishing the decision stops the poll loop and cancels ctx, so the
	// accept work runs detached, bounded by the join timeout.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.JoinTimeout)
	defer cancel()
	if err := c.transition(settleCtx, requester, d.Status, "poll"); err != nil {
		return c.Status(requester), err
	}
	return c.Status(requester), nil
}

// transition is the single place push and poll results are applied. It is a
// no-op unless the request is still pending.
func (c *Coordinator) transition(ctx context.Context, requester string, status domain.MicStatus, source string) error {
	if !status.Decided() {
		return fmt.Errorf("mic decision %q: %w", status, domain.ErrMalformedEnvelope)
	}

	c.mu.Lock()
	req, ok := c.requests[requester]
	if !ok || req.Status != domain.MicPending {
		c.mu.Unlock()
		c.logger.Debug().Str(pkglog.FieldRequester, requester).Str("source", source).Msg("decision already applied")
		return nil
	}
	req.Status = status
	createdAt := req.CreatedAt
	c.mu.Unlock()

	c.logger.Info().Str(pkglog.FieldRequester, requester).Str("source", source).Str("status", status.String()).Msg("mic decision received")
	return c.settle(ctx, requester, status, createdAt)
}

// settle announces a decision and, on accept, starts the media session.
func (c *Coordinator) settle(ctx context.Context, requester string, status domain.MicStatus, createdAt int64) error {
	c.publish(requester, domain.MicPending, status, createdAt)

	if status == domain.MicRejected {
		c.opts.Observer.OnMicRejected(requester)
		return nil
	}

	c.opts.Observer.OnMicAccepted(requester)
	return c.onAccepted(ctx, requester, createdAt)
}

func (c *Coordinator) onAccepted(ctx context.Context, requester string, createdAt int64) error {
	if c.cfg.IsBroadcaster {
		if err := c.opts.Negotiator.Initiate(ctx, requester); err != nil {
			c.fail(ctx, requester, createdAt, err)
			return fmt.Errorf("start session with %s: %w", requester, err)
		}
		return nil
	}

	if c.opts.Media != nil {
		if _, err := c.opts.Media.LocalStream(ctx); err != nil {
			c.fail(ctx, requester, createdAt, err)
			return fmt.Errorf("prepare co-host media: %w", err)
		}
	}
	if c.joined() {
		return nil
	}

	c.mu.Lock()
	if req, ok := c.requests[requester]; ok && req.Status == domain.MicAccepted && req.CreatedAt == createdAt {
		c.stopJoinTimerLocked(requester)
		c.joinTimers[requester] = time.AfterFunc(c.cfg.JoinTimeout, func() {
			c.joinExpired(requester, createdAt)
		})
	}
	c.mu.Unlock()
	return nil
}

// joined reports whether the viewer holds a media session answered to the broadcaster.
func (c *Coordinator) joined() bool {
	if c.opts.Negotiator == nil {
		return false
	}
	rec, ok := c.opts.Negotiator.Record(c.cfg.Broadcaster)
	if !ok || rec.Role != domain.RoleResponder || !rec.WithMedia {
		return false
	}
	s := rec.State()
	return s == domain.StateAnswerSent || s == domain.StateConnected
}

func (c *Coordinator) joinExpired(requester string, createdAt int64) {
	if c.joined() {
		return
	}
	c.logger.Warn().Str(pkglog.FieldRequester, requester).Dur("timeout", c.cfg.JoinTimeout).Msg("no offer from broadcaster after accept")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.fail(ctx, requester, createdAt, domain.ErrJoinTimeout)
}

func (c *Coordinator) stopJoinTimerLocked(requester string) {
	if t, ok := c.joinTimers[requester]; ok {
		t.Stop()
		delete(c.joinTimers, requester)
	}
}

// fail ends an accepted request whose media session could not be kept up,
// and surfaces cause to the observer.
func (c *Coordinator) fail(ctx context.Context, requester string, createdAt int64, cause error) {
	c.mu.Lock()
	req, ok := c.requests[requester]
	if !ok || req.Status != domain.MicAccepted || req.CreatedAt != createdAt {
		c.mu.Unlock()
		return
	}
	req.Status = domain.MicEnded
	c.stopJoinTimerLocked(requester)
	c.mu.Unlock()

	peer := c.peerFor(requester)
	c.logger.Error().Err(cause).Str(pkglog.FieldRequester, requester).Msg("mic session failed")

	c.opts.Negotiator.Close(peer)
	if err := c.opts.Sender.Send(ctx, domain.NewMicEnd(peer, requester)); err != nil {
		c.logger.Warn().Err(err).Str(pkglog.FieldPeer, peer).Msg("failed to send mic end")
	}
	c.clearDecision(ctx, requester)

	c.opts.Observer.OnMicFailed(requester, cause)
	c.publish(requester, domain.MicAccepted, domain.MicEnded, createdAt)
}

// OnPeerStateChanged is the negotiator state listener. It tracks the
// accepted viewer's session coming up, and fails the request when it drops.
func (c *Coordinator) OnPeerStateChanged(peer string, role domain.Role, state domain.NegotiationState, err error) {
	requester := peer
	if !c.cfg.IsBroadcaster {
		if peer != c.cfg.Broadcaster {
			return
		}
		requester = c.cfg.Self
	}

	req, ok := c.Request(requester)
	if !ok || req.Status != domain.MicAccepted {
		return
	}

	switch {
	case state == domain.StateClosed && err != nil:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.fail(ctx, requester, req.CreatedAt, fmt.Errorf("session with %s: %w", peer, err))

	case !c.cfg.IsBroadcaster && role == domain.RoleResponder &&
		(state == domain.StateAnswerSent || state == domain.StateConnected):
		c.mu.Lock()
		c.stopJoinTimerLocked(requester)
		c.mu.Unlock()
	}
}

// OnRequestReceived surfaces a viewer's request to the broadcaster. Repeats
// while the request is pending are suppressed. A new request from a viewer
// whose session is still marked active replaces that stale session.
func (c *Coordinator) OnRequestReceived(ctx context.Context, from string, p domain.MicRequestPayload) error {
	if !c.cfg.IsBroadcaster {
		return fmt.Errorf("mic request: %w", domain.ErrWrongRole)
	}
	requester := p.RequesterIdentity
	if from != "" && from != requester {
		return fmt.Errorf("mic request for %s sent by %s: %w", requester, from, domain.ErrMalformedEnvelope)
	}

	createdAt := p.Timestamp
	if createdAt == 0 {
		createdAt = domain.NowMillis()
	}

	c.mu.Lock()
	prev := c.requests[requester]
	if prev != nil && prev.Status == domain.MicPending {
		c.mu.Unlock()
		c.logger.Debug().Str(pkglog.FieldRequester, requester).Msg("duplicate mic request suppressed")
		return nil
	}
	c.requests[requester] = &domain.MicRequest{Requester: requester, Status: domain.MicPending, CreatedAt: createdAt}
	c.stopJoinTimerLocked(requester)
	c.mu.Unlock()

	prevStatus := domain.MicNone
	if prev != nil {
		prevStatus = prev.Status
		if prev.Status == domain.MicAccepted {
			c.logger.Warn().Str(pkglog.FieldRequester, requester).Msg("new request while session active, closing stale session")
			c.opts.Negotiator.Close(requester)
			c.opts.Observer.OnMicEnded(requester)
			c.publish(requester, domain.MicAccepted, domain.MicEnded, prev.CreatedAt)
			prevStatus = domain.MicEnded
		}
	}

	c.publish(requester, prevStatus, domain.MicPending, createdAt)
	c.opts.Observer.OnMicRequestReceived(requester)
	return nil
}

// Respond records the broadcaster's decision. The decision is pushed over
// the bus and written to the durable store on every call; the request only
// reverts to pending when both deliveries fail.
func (c *Coordinator) Respond(ctx context.Context, requester string, accept bool) error {
	if !c.cfg.IsBroadcaster {
		return fmt.Errorf("respond: %w", domain.ErrWrongRole)
	}

	status := domain.MicRejected
	if accept {
		status = domain.MicAccepted
	}

	c.mu.Lock()
	req, ok := c.requests[requester]
	if !ok || req.Status != domain.MicPending {
		c.mu.Unlock()
		return fmt.Errorf("respond to %s: %w", requester, domain.ErrNoPendingRequest)
	}
	req.Status = status
	createdAt := req.CreatedAt
	c.mu.Unlock()

	var pushErr, storeErr error
	var g errgroup.Group
	g.Go(func() error {
		pushErr = c.opts.Sender.Send(ctx, domain.NewMicResponse(requester, status))
		return pushErr
	})
	if c.opts.Store != nil {
		g.Go(func() error {
			storeErr = c.opts.Store.RecordDecision(ctx, c.cfg.RoomID, Decision{
				Requester:   requester,
				Status:      status,
				RequestedAt: createdAt,
				Responder:   c.cfg.Self,
			})
			return storeErr
		})
	}

	if err := g.Wait(); err != nil {
		l := c.logger.With().Str(pkglog.FieldRequester, requester).Logger()
		if pushErr != nil && (storeErr != nil || c.opts.Store == nil) {
			c.mu.Lock()
			if req.Status == status && req.CreatedAt == createdAt {
				req.Status = domain.MicPending
			}
			c.mu.Unlock()
			return fmt.Errorf("deliver decision for %s: %w", requester, errors.Join(pushErr, storeErr))
		}
		if pushErr != nil {
			l.Warn().Err(pushErr).Msg("push of mic decision failed, viewer will poll")
		}
		if storeErr != nil {
			l.Warn().Err(storeErr).Msg("recording mic decision failed, relying on push")
		}
	}

	return c.settle(ctx, requester, status, createdAt)
}

// EndMic ends the active mic session with peer. It is safe to call in any
// state; the end envelope is sent only when a session was actually active.
// A viewer may pass an empty peer to mean the broadcaster.
func (c *Coordinator) EndMic(ctx context.Context, peer string) error {
	if peer == "" && !c.cfg.IsBroadcaster {
		peer = c.cfg.Broadcaster
	}
	requester := peer
	if !c.cfg.IsBroadcaster {
		requester = c.cfg.Self
	}

	c.mu.Lock()
	req, ok := c.requests[requester]
	active := ok && req.Status == domain.MicAccepted
	var createdAt int64
	if active {
		req.Status = domain.MicEnded
		createdAt = req.CreatedAt
		c.stopJoinTimerLocked(requester)
	}
	c.mu.Unlock()

	c.opts.Negotiator.Close(peer)
	if !active {
		return nil
	}

	sendErr := c.opts.Sender.Send(ctx, domain.NewMicEnd(peer, requester))
	c.clearDecision(ctx, requester)

	c.opts.Observer.OnMicEnded(requester)
	c.publish(requester, domain.MicAccepted, domain.MicEnded, createdAt)

	if sendErr != nil {
		return fmt.Errorf("send mic end to %s: %w", peer, sendErr)
	}
	return nil
}

// OnEndReceived applies the other side's end of an active session.
func (c *Coordinator) OnEndReceived(ctx context.Context, from, requester string) error {
	if c.cfg.IsBroadcaster {
		if requester != from {
			return fmt.Errorf("mic end for %s sent by %s: %w", requester, from, domain.ErrMalformedEnvelope)
		}
	} else {
		if requester != c.cfg.Self || (c.cfg.Broadcaster != "" && from != c.cfg.Broadcaster) {
			return fmt.Errorf("mic end for %s sent by %s: %w", requester, from, domain.ErrMalformedEnvelope)
		}
	}

	c.mu.Lock()
	req, ok := c.requests[requester]
	active := ok && req.Status == domain.MicAccepted
	var createdAt int64
	if active {
		req.Status = domain.MicEnded
		createdAt = req.CreatedAt
		c.stopJoinTimerLocked(requester)
	}
	c.mu.Unlock()

	if !active {
		c.logger.Debug().Str(pkglog.FieldRequester, requester).Msg("mic end for inactive session")
		return nil
	}

	c.opts.Negotiator.Close(from)
	c.clearDecision(ctx, requester)

	c.opts.Observer.OnMicEnded(requester)
	c.publish(requester, domain.MicAccepted, domain.MicEnded, createdAt)
	return nil
}

// clearDecision removes a recorded decision once the session it granted is over.
func (c *Coordinator) clearDecision(ctx context.Context, requester string) {
	if !c.cfg.IsBroadcaster || c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.ClearDecision(ctx, c.cfg.RoomID, requester); err != nil {
		c.logger.Warn().Err(err).Str(pkglog.FieldRequester, requester).Msg("failed to clear mic decision")
	}
}

// Close stops every pending join timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r := range c.joinTimers {
		c.stopJoinTimerLocked(r)
	}
}
