// Package registry owns every live peer connection, at most one per peer.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// Registry maps peer identities to connection records.
type Registry struct {
	factory     ConnectionFactory
	source      MediaSource
	constraints Constraints
	logger      zerolog.Logger

	handler Handler
	records map[string]*Record
	mu      sync.Mutex

	stream   *MediaStream
	streamMu sync.Mutex
}

// New creates a registry. source may be nil for a participant that never sends media.
func New(factory ConnectionFactory, source MediaSource, constraints Constraints, logger zerolog.Logger) *Registry {
	return &Registry{
		factory:     factory,
		source:      source,
		constraints: constraints,
		logger:      logger.With().Str("component", "registry").Logger(),
		records:     make(map[string]*Record),
	}
}

// SetHandler installs the callbacks wired into every new connection.
func (r *Registry) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// LocalStream acquires local media once and caches it for the session.
// A failed acquisition is not cached, so a later call (a user retry) tries again.
func (r *Registry) LocalStream(ctx context.Context) (*MediaStream, error) {
	r.streamMu.Lock()
	defer r.streamMu.Unlock()

	if r.stream != nil {
		return r.stream, nil
	}
	if r.source == nil {
		return nil, fmt.Errorf("no media source configured: %w", domain.ErrMediaUnavailable)
	}

	stream, err := r.source.Acquire(ctx, r.constraints)
	if err != nil {
		return nil, fmt.Errorf("acquire local media: %w: %w", domain.ErrMediaUnavailable, err)
	}
	r.stream = stream
	r.logger.Info().Str("stream_id", stream.ID).Int("tracks", len(stream.Tracks)).Msg("local media acquired")
	return stream, nil
}

// GetOrCreate returns the live record for peer, or creates one. The boolean
// is true when a record was created. An existing record is returned as is,
// whatever its role, without touching its tracks.
func (r *Registry) GetOrCreate(ctx context.Context, peer string, role domain.Role, withMedia bool) (*Record, bool, error) {
	r.mu.Lock()
	if rec, ok := r.records[peer]; ok {
		r.mu.Unlock()
		return rec, false, nil
	}
	r.mu.Unlock()

	var tracks []webrtc.TrackLocal
	if withMedia {
		stream, err := r.LocalStream(ctx)
		if err != nil {
			return nil, false, err
		}
		tracks = stream.Tracks
	}

	rec := newRecord(peer, role, withMedia)
	conn, err := r.factory.NewConnection(ctx, peer, tracks, r.callbacks(rec))
	if err != nil {
		return nil, false, fmt.Errorf("create connection for %s: %w", peer, err)
	}
	rec.Conn = conn

	r.mu.Lock()
	if existing, ok := r.records[peer]; ok {
		// lost a race with a concurrent create
		r.mu.Unlock()
		rec.SetState(domain.StateClosed)
		_ = conn.Close()
		return existing, false, nil
	}
	r.records[peer] = rec
	r.mu.Unlock()

	r.logger.Debug().Str(pkglog.FieldPeer, peer).Str("role", string(role)).Bool("media", withMedia).Msg("peer connection created")
	return rec, true, nil
}

func (r *Registry) callbacks(rec *Record) Callbacks {
	return Callbacks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			if h := r.currentHandler().OnLocalCandidate; h != nil && !rec.Closed() {
				h(rec, c)
			}
		},
		OnRemoteTrack: func(track domain.RemoteTrack) {
			if h := r.currentHandler().OnRemoteTrack; h != nil && !rec.Closed() {
				h(rec, track)
			}
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			if h := r.currentHandler().OnConnectionState; h != nil {
				h(rec, state)
			}
		},
	}
}

func (r *Registry) currentHandler() Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// Get returns the live record for peer.
func (r *Registry) Get(peer string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[peer]
	return rec, ok
}

// Current reports whether rec is still the live record for its peer.
func (r *Registry) Current(rec *Record) bool {
	cur, ok := r.Get(rec.Peer)
	return ok && cur == rec
}

// Close releases the connection for peer and removes its record. Closing a
// peer with no record is a no-op. It reports whether a record was removed.
func (r *Registry) Close(peer string) bool {
	r.mu.Lock()
	rec, ok := r.records[peer]
	if ok {
		delete(r.records, peer)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.release(rec)
	return true
}

// CloseRecord closes rec only if it is still the live record for its peer.
func (r *Registry) CloseRecord(rec *Record) bool {
	r.mu.Lock()
	cur, ok := r.records[rec.Peer]
	if !ok || cur != rec {
		r.mu.Unlock()
		return false
	}
	delete(r.records, rec.Peer)
	r.mu.Unlock()

	r.release(rec)
	return true
}

// CloseAll closes every record.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	recs := make([]*Record, 0, len(r.records))
	for peer, rec := range r.records {
		recs = append(recs, rec)
		delete(r.records, peer)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		r.release(rec)
	}
}

// Peers returns the identities with a live record.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.records))
	for peer := range r.records {
		peers = append(peers, peer)
	}
	return peers
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Registry) release(rec *Record) {
	rec.SetState(domain.StateClosed)
	if rec.Conn == nil {
		return
	}
	if err := rec.Conn.Close(); err != nil {
		r.logger.Warn().Err(err).Str(pkglog.FieldPeer, rec.Peer).Msg("failed to close peer connection")
		return
	}
	r.logger.Debug().Str(pkglog.FieldPeer, rec.Peer).Msg("peer connection closed")
}
