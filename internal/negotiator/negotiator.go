// Package negotiator drives the offer/answer/candidate exchange with each peer.
package negotiator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// MediaPolicy reports whether local media should be sent to peer.
type MediaPolicy func(peer string) bool

// StateListener is told about every state change. err is set when the
// negotiation was abandoned because of a failure.
type StateListener func(peer string, role domain.Role, state domain.NegotiationState, err error)

// Config bounds the early-candidate buffer.
type Config struct {
	MaxBufferedPerPeer int `mapstructure:"max_buffered_per_peer"`
	MaxBufferedPeers   int `mapstructure:"max_buffered_peers"`
}

// DefaultConfig returns buffer limits sized for a handful of co-hosts.
func DefaultConfig() Config {
	return Config{
		MaxBufferedPerPeer: 64,
		MaxBufferedPeers:   32,
	}
}

const (
	sendTimeout = 5 * time.Second
	// closedGrace is how long candidates for a closed negotiation are
	// dropped instead of buffered for the next one.
	closedGrace = 5 * time.Second
)

// Negotiator runs one state machine per peer on top of the registry.
// Operations for all peers are serialized by one mutex; pion calls made
// under it are local and do not wait on the network.
type Negotiator struct {
	registry *registry.Registry
	sender   domain.Sender
	observer domain.Observer
	cfg      Config
	logger   zerolog.Logger

	policy  MediaPolicy
	pending map[string][]webrtc.ICECandidateInit
	closed  map[string]time.Time
	now     func() time.Time
	mu      sync.Mutex

	listeners []StateListener
	lmu       sync.RWMutex
}

// New creates a negotiator and installs its callbacks on reg.
func New(reg *registry.Registry, sender domain.Sender, observer domain.Observer, cfg Config, logger zerolog.Logger) *Negotiator {
	if observer == nil {
		observer = domain.NopObserver{}
	}
	if cfg.MaxBufferedPerPeer <= 0 {
		cfg.MaxBufferedPerPeer = DefaultConfig().MaxBufferedPerPeer
	}
	if cfg.MaxBufferedPeers <= 0 {
		cfg.MaxBufferedPeers = DefaultConfig().MaxBufferedPeers
	}

	n := &Negotiator{
		registry: reg,
		sender:   sender,
		observer: observer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "negotiator").Logger(),
		policy:   func(string) bool { return true },
		pending:  make(map[string][]webrtc.ICECandidateInit),
		closed:   make(map[string]time.Time),
		now:      time.Now,
	}

	reg.SetHandler(registry.Handler{
		OnLocalCandidate:  n.onLocalCandidate,
		OnRemoteTrack:     n.onRemoteTrack,
		OnConnectionState: n.onConnectionState,
	})
	return n
}

// SetMediaPolicy replaces the policy deciding which peers get local media.
func (n *Negotiator) SetMediaPolicy(p MediaPolicy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy = p
}

// OnStateChange registers a listener for state changes.
func (n *Negotiator) OnStateChange(l StateListener) {
	n.lmu.Lock()
	defer n.lmu.Unlock()
	n.listeners = append(n.listeners, l)
}

type note struct {
	peer  string
	role  domain.Role
	state domain.NegotiationState
	err   error
}

// fire delivers notes collected under the lock. It runs after the lock is
// released so listeners may call back into the negotiator.
func (n *Negotiator) fire(notes *[]note) {
	if len(*notes) == 0 {
		return
	}
	n.lmu.RLock()
	listeners := append([]StateListener(nil), n.listeners...)
	n.lmu.RUnlock()

	for _, nt := range *notes {
		n.observer.OnPeerStateChanged(nt.peer, nt.state)
		for _, l := range listeners {
			l(nt.peer, nt.role, nt.state, nt.err)
		}
	}
}

func (n *Negotiator) moveLocked(rec *registry.Record, s domain.NegotiationState, notes *[]note) {
	if rec.SetState(s) {
		n.logger.Debug().Str(pkglog.FieldPeer, rec.Peer).Str(pkglog.FieldState, string(s)).Msg("negotiation state changed")
		*notes = append(*notes, note{peer: rec.Peer, role: rec.Role, state: s})
	}
}

// Initiate opens a negotiation with peer as the offering side. A call while
// our own offer to peer is still unanswered is a no-op; any other existing
// record is torn down first.
func (n *Negotiator) Initiate(ctx context.Context, peer string) error {
	var notes []note
	defer n.fire(&notes)
	n.mu.Lock()
	defer n.mu.Unlock()

	l := n.logger.With().Str(pkglog.FieldPeer, peer).Logger()

	if rec, ok := n.registry.Get(peer); ok {
		if rec.Role == domain.RoleInitiator && rec.State() == domain.StateOfferSent {
			l.Debug().Msg("offer already in flight")
			return nil
		}
		l.Info().Str("old_role", string(rec.Role)).Str(pkglog.FieldState, string(rec.State())).Msg("replacing existing peer connection")
		n.dropLocked(rec, nil, &notes)
	}

	rec, err := n.createLocked(ctx, peer, domain.RoleInitiator, &notes)
	if err != nil {
		return err
	}

	offer, err := rec.Conn.CreateOffer(ctx)
	if err != nil {
		n.dropLocked(rec, err, &notes)
		return fmt.Errorf("create offer for %s: %w", peer, err)
	}

	n.moveLocked(rec, domain.StateOfferSent, &notes)
	if err := n.sender.Send(ctx, domain.NewOffer(peer, offer)); err != nil {
		n.dropLocked(rec, err, &notes)
		return fmt.Errorf("send offer to %s: %w", peer, err)
	}

	l.Info().Bool("media", rec.WithMedia).Msg("offer sent")
	return nil
}

// OnOfferReceived answers an offer from peer. An offer that collides with
// our own unanswered offer is dropped; otherwise an existing record is
// replaced, since a new offer starts a new negotiation.
func (n *Negotiator) OnOfferReceived(ctx context.Context, peer string, sdp webrtc.SessionDescription) error {
	var notes []note
	defer n.fire(&notes)
	n.mu.Lock()
	defer n.mu.Unlock()

	l := n.logger.With().Str(pkglog.FieldPeer, peer).Logger()

	if rec, ok := n.registry.Get(peer); ok {
		if rec.Role == domain.RoleInitiator && rec.State() == domain.StateOfferSent {
			l.Warn().Msg("offer collides with our own offer, dropping")
			return nil
		}
		l.Info().Str(pkglog.FieldState, string(rec.State())).Msg("renegotiation, replacing peer connection")
		n.registry.CloseRecord(rec)
		notes = append(notes, note{peer: peer, role: rec.Role, state: domain.StateClosed})
	}

	rec, err := n.createLocked(ctx, peer, domain.RoleResponder, &notes)
	if err != nil {
		return err
	}

	if err := rec.Conn.SetRemoteDescription(sdp); err != nil {
		n.dropLocked(rec, err, &notes)
		return fmt.Errorf("apply offer from %s: %w", peer, err)
	}
	n.moveLocked(rec, domain.StateOfferReceived, &notes)
	n.flushLocked(rec)

	answer, err := rec.Conn.CreateAnswer(ctx)
	if err != nil {
		n.dropLocked(rec, err, &notes)
		return fmt.Errorf("create answer for %s: %w", peer, err)
	}

	if err := n.sender.Send(ctx, domain.NewAnswer(peer, answer)); err != nil {
		n.dropLocked(rec, err, &notes)
		return fmt.Errorf("send answer to %s: %w", peer, err)
	}
	n.moveLocked(rec, domain.StateAnswerSent, &notes)

	l.Info().Bool("media", rec.WithMedia).Msg("answer sent")
	return nil
}

// OnAnswerReceived applies peer's answer to our offer. Answers with no
// record, or for a record not awaiting one, are logged and ignored.
func (n *Negotiator) OnAnswerReceived(ctx context.Context, peer string, sdp webrtc.SessionDescription) error {
	var notes []note
	defer n.fire(&notes)
	n.mu.Lock()
	defer n.mu.Unlock()

	l := n.logger.With().Str(pkglog.FieldPeer, peer).Logger()

	rec, ok := n.registry.Get(peer)
	if !ok {
		l.Warn().Msg("answer for unknown peer, dropping")
		return fmt.Errorf("answer from %s: %w", peer, domain.ErrNoRecord)
	}
	if rec.Role != domain.RoleInitiator || rec.State() != domain.StateOfferSent {
		l.Warn().Str(pkglog.FieldState, string(rec.State())).Msg("unexpected answer, dropping")
		return nil
	}

	if err := rec.Conn.SetRemoteDescription(sdp); err != nil {
		n.dropLocked(rec, err, &notes)
		return fmt.Errorf("apply answer from %s: %w", peer, err)
	}
	n.moveLocked(rec, domain.StateAnswerPending, &notes)
	n.flushLocked(rec)

	l.Info().Msg("answer applied")
	return nil
}

// OnCandidateReceived applies a remote candidate, or buffers it until the
// remote description for peer is applied.
func (n *Negotiator) OnCandidateReceived(ctx context.Context, peer string, c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if rec, ok := n.registry.Get(peer); ok && rec.State().RemoteApplied() {
		if err := rec.Conn.AddICECandidate(c); err != nil {
			return fmt.Errorf("add candidate from %s: %w", peer, err)
		}
		return nil
	}

	if _, ok := n.registry.Get(peer); !ok && n.recentlyClosedLocked(peer) {
		n.logger.Debug().Str(pkglog.FieldPeer, peer).Msg("candidate for closed negotiation, dropping")
		return nil
	}
	n.bufferLocked(peer, c)
	return nil
}

// Close tears down the negotiation with peer and discards its buffered
// candidates. Safe to call at any time.
func (n *Negotiator) Close(peer string) {
	var notes []note
	defer n.fire(&notes)
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.pending, peer)
	n.tombstoneLocked(peer)
	if rec, ok := n.registry.Get(peer); ok {
		n.registry.CloseRecord(rec)
		notes = append(notes, note{peer: peer, role: rec.Role, state: domain.StateClosed})
	}
}

// CloseAll tears down every negotiation.
func (n *Negotiator) CloseAll() {
	var notes []note
	defer n.fire(&notes)
	n.mu.Lock()
	defer n.mu.Unlock()

	for peer := range n.pending {
		n.tombstoneLocked(peer)
	}
	n.pending = make(map[string][]webrtc.ICECandidateInit)
	for _, peer := range n.registry.Peers() {
		n.tombstoneLocked(peer)
		if rec, ok := n.registry.Get(peer); ok {
			notes = append(notes, note{peer: peer, role: rec.Role, state: domain.StateClosed})
		}
	}
	n.registry.CloseAll()
}

// State returns the negotiation state for peer; IDLE when there is no record.
func (n *Negotiator) State(peer string) domain.NegotiationState {
	if rec, ok := n.registry.Get(peer); ok {
		return rec.State()
	}
	return domain.StateIdle
}

// Record returns the live record for peer.
func (n *Negotiator) Record(peer string) (*registry.Record, bool) {
	return n.registry.Get(peer)
}

// Buffered returns the number of candidates buffered for peer.
func (n *Negotiator) Buffered(peer string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending[peer])
}

func (n *Negotiator) createLocked(ctx context.Context, peer string, role domain.Role, notes *[]note) (*registry.Record, error) {
	rec, _, err := n.registry.GetOrCreate(ctx, peer, role, n.policy(peer))
	if err != nil {
		// abandoned before a record existed
		delete(n.pending, peer)
		n.tombstoneLocked(peer)
		*notes = append(*notes, note{peer: peer, role: role, state: domain.StateClosed, err: err})
		return nil, fmt.Errorf("open connection to %s: %w", peer, err)
	}
	delete(n.closed, peer)
	return rec, nil
}

// dropLocked closes rec and discards buffered candidates for its peer.
func (n *Negotiator) dropLocked(rec *registry.Record, cause error, notes *[]note) {
	if !n.registry.CloseRecord(rec) {
		return
	}
	delete(n.pending, rec.Peer)
	n.tombstoneLocked(rec.Peer)
	*notes = append(*notes, note{peer: rec.Peer, role: rec.Role, state: domain.StateClosed, err: cause})
}

// tombstoneLocked marks peer's negotiation as just closed. Expired marks
// are pruned here so the map stays bounded by recent closes.
func (n *Negotiator) tombstoneLocked(peer string) {
	now := n.now()
	for p, at := range n.closed {
		if now.Sub(at) >= closedGrace {
			delete(n.closed, p)
		}
	}
	n.closed[peer] = now
}

func (n *Negotiator) recentlyClosedLocked(peer string) bool {
	at, ok := n.closed[peer]
	if !ok {
		return false
	}
	if n.now().Sub(at) >= closedGrace {
		delete(n.closed, peer)
		return false
	}
	return true
}

func (n *Negotiator) bufferLocked(peer string, c webrtc.ICECandidateInit) {
	q, ok := n.pending[peer]
	if !ok && len(n.pending) >= n.cfg.MaxBufferedPeers {
		n.logger.Warn().Str(pkglog.FieldPeer, peer).Msg("candidate buffer full, dropping candidate")
		return
	}
	if len(q) >= n.cfg.MaxBufferedPerPeer {
		q = q[1:]
		n.logger.Warn().Str(pkglog.FieldPeer, peer).Msg("candidate buffer for peer full, dropping oldest")
	}
	n.pending[peer] = append(q, c)
}

// flushLocked replays buffered candidates in receipt order.
func (n *Negotiator) flushLocked(rec *registry.Record) {
	q := n.pending[rec.Peer]
	delete(n.pending, rec.Peer)

	for _, c := range q {
		if err := rec.Conn.AddICECandidate(c); err != nil {
			n.logger.Warn().Err(err).Str(pkglog.FieldPeer, rec.Peer).Msg("failed to apply buffered candidate")
		}
	}
	if len(q) > 0 {
		n.logger.Debug().Str(pkglog.FieldPeer, rec.Peer).Int("count", len(q)).Msg("replayed buffered candidates")
	}
}

func (n *Negotiator) onLocalCandidate(rec *registry.Record, c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := n.sender.Send(ctx, domain.NewCandidate(rec.Peer, c)); err != nil {
		n.logger.Warn().Err(err).Str(pkglog.FieldPeer, rec.Peer).Msg("failed to send local candidate")
	}
}

func (n *Negotiator) onRemoteTrack(rec *registry.Record, track domain.RemoteTrack) {
	n.logger.Info().Str(pkglog.FieldPeer, rec.Peer).Str("kind", track.Kind().String()).Msg("remote track received")
	n.observer.OnRemoteTrack(rec.Peer, track)
}

// onConnectionState may be invoked from inside a pion call made under the
// lock, so the work is moved off the caller's goroutine.
func (n *Negotiator) onConnectionState(rec *registry.Record, s webrtc.PeerConnectionState) {
	go n.handleConnectionState(rec, s)
}

func (n *Negotiator) handleConnectionState(rec *registry.Record, s webrtc.PeerConnectionState) {
	var notes []note
	defer n.fire(&notes)
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.registry.Current(rec) {
		return
	}

	l := n.logger.With().Str(pkglog.FieldPeer, rec.Peer).Str("connection_state", s.String()).Logger()

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if rec.CompareAndSet(domain.StateConnected, domain.StateAnswerPending, domain.StateOfferReceived, domain.StateAnswerSent) {
			l.Info().Msg("peer connected")
			notes = append(notes, note{peer: rec.Peer, role: rec.Role, state: domain.StateConnected})
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		l.Warn().Msg("peer connection lost")
		n.dropLocked(rec, domain.ErrConnectionFailed, &notes)
	case webrtc.PeerConnectionStateDisconnected:
		l.Warn().Msg("peer disconnected, waiting for ICE to recover")
	}
}
