// Package registrytest provides in-memory connections and media sources for tests.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
)

// Conn is a fake registry.Connection that records every call.
type Conn struct {
	Peer   string
	Tracks []webrtc.TrackLocal
	CB     registry.Callbacks

	// OfferErr and RemoteErr, when set, are returned by the matching calls.
	OfferErr  error
	RemoteErr error

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     int
}

func (c *Conn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OfferErr != nil {
		return webrtc.SessionDescription{}, c.OfferErr
	}
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-for-" + c.Peer}
	c.local = &sdp
	return sdp, nil
}

func (c *Conn) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return webrtc.SessionDescription{}, errors.New("answer before remote offer")
	}
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + c.Peer}
	c.local = &sdp
	return sdp, nil
}

func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RemoteErr != nil {
		return c.RemoteErr
	}
	c.remote = &sdp
	return nil
}

func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("candidate before remote description")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// Candidates returns the applied remote candidates in order.
func (c *Conn) Candidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.candidates))
	for i, cand := range c.candidates {
		out[i] = cand.Candidate
	}
	return out
}

// Remote returns the applied remote description.
func (c *Conn) Remote() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Local returns the generated local description.
func (c *Conn) Local() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EmitCandidate simulates local ICE candidate discovery.
func (c *Conn) EmitCandidate(candidate string) {
	if c.CB.OnLocalCandidate != nil {
		c.CB.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitState simulates a connection state change.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	if c.CB.OnConnectionState != nil {
		c.CB.OnConnectionState(s)
	}
}

// EmitTrack simulates a remote track arriving.
func (c *Conn) EmitTrack(track domain.RemoteTrack) {
	if c.CB.OnRemoteTrack != nil {
		c.CB.OnRemoteTrack(track)
	}
}

// Factory is a fake registry.ConnectionFactory.
type Factory struct {
	// Err, when set, fails every NewConnection.
	Err error
	// Configure, when set, is applied to each new connection.
	Configure func(*Conn)

	mu    sync.Mutex
	conns []*Conn
}

func (f *Factory) NewConnection(ctx context.Context, peer string, tracks []webrtc.TrackLocal, cb registry.Callbacks) (registry.Connection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{Peer: peer, Tracks: tracks, CB: cb}
	if f.Configure != nil {
		f.Configure(c)
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// Conns returns every connection created, oldest first.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the newest connection for peer.
func (f *Factory) Last(peer string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].Peer == peer {
			return f.conns[i]
		}
	}
	return nil
}

// Count returns how many connections were created for peer.
func (f *Factory) Count(peer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if c.Peer == peer {
			n++
		}
	}
	return n
}

// Source is a fake registry.MediaSource.
type Source struct {
	Err error

	mu       sync.Mutex
	acquired int
}

func (s *Source) Acquire(ctx context.Context, constraints registry.Constraints) (*registry.MediaStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.acquired++
	return &registry.MediaStream{ID: fmt.Sprintf("stream-%d", s.acquired)}, nil
}

// Acquired returns the number of successful acquisitions.
func (s *Source) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// Track is a RemoteTrack stand-in; ReadRTP always fails.
type Track struct {
	TrackID string
}

func (t *Track) ID() string                { return t.TrackID }
func (t *Track) StreamID() string          { return "remote-" + t.TrackID }
func (t *Track) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

var _ domain.RemoteTrack = (*Track)(nil)
