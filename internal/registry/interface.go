package registry

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
)

// Connection is one peer connection resource.
type Connection interface {
	// CreateOffer generates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer generates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// Callbacks are the standing callbacks a connection invokes for its lifetime.
type Callbacks struct {
	OnLocalCandidate  func(c webrtc.ICECandidateInit)
	OnRemoteTrack     func(track domain.RemoteTrack)
	OnConnectionState func(state webrtc.PeerConnectionState)
}

// ConnectionFactory allocates connections with local tracks already added.
type ConnectionFactory interface {
	NewConnection(ctx context.Context, peer string, tracks []webrtc.TrackLocal, cb Callbacks) (Connection, error)
}

// Constraints select which local media to capture.
type Constraints struct {
	Audio bool `mapstructure:"audio"`
	Video bool `mapstructure:"video"`
}

// MediaStream is the acquired local media.
type MediaStream struct {
	ID     string
	Tracks []webrtc.TrackLocal
}

// MediaSource captures local media. Acquire may fail when a device is
// denied or unavailable.
type MediaSource interface {
	Acquire(ctx context.Context, constraints Constraints) (*MediaStream, error)
}

// Handler receives connection callbacks tagged with the peer and the record
// they belong to, so callbacks from a replaced record can be told apart.
type Handler struct {
	OnLocalCandidate  func(rec *Record, c webrtc.ICECandidateInit)
	OnRemoteTrack     func(rec *Record, track domain.RemoteTrack)
	OnConnectionState func(rec *Record, state webrtc.PeerConnectionState)
}
