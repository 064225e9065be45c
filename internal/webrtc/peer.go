// Package webrtc backs the connection registry with pion peer connections.
package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// PeerManager creates pion peer connections for the registry.
type PeerManager struct {
	iceServers []webrtc.ICEServer
	logger     zerolog.Logger
}

// NewPeerManager creates a new PeerManager.
func NewPeerManager(iceServers []webrtc.ICEServer, logger zerolog.Logger) *PeerManager {
	return &PeerManager{
		iceServers: iceServers,
		logger:     logger.With().Str("component", "webrtc").Logger(),
	}
}

var codecs = []struct {
	params webrtc.RTPCodecParameters
	kind   webrtc.RTPCodecType
}{
	{webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo},
	{webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
		PayloadType:        98,
	}, webrtc.RTPCodecTypeVideo},
	{webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo},
	{webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio},
}

// newAPI builds a fresh media engine per connection; pion does not allow
// sharing one between peer connections.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, err
		}
	}

	i := &interceptor.Registry{}
	intervalPliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(intervalPliFactory)

	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// NewConnection implements registry.ConnectionFactory.
func (pm *PeerManager) NewConnection(ctx context.Context, peer string, tracks []webrtc.TrackLocal, cb registry.Callbacks) (registry.Connection, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: pm.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := pm.logger.With().Str(pkglog.FieldPeer, peer).Logger()
	conn := &Connection{pc: pc, peer: peer, hasTracks: len(tracks) > 0}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		// Read and discard RTCP so the interceptors keep running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		l.Info().Str("codec", track.Codec().MimeType).Str("kind", track.Kind().String()).Msg("track received")
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.Debug().Str("connection_state", state.String()).Msg("connection state")
		if cb.OnConnectionState != nil {
			cb.OnConnectionState(state)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		l.Debug().Str("ice_state", state.String()).Msg("ice connection state")
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil && cb.OnLocalCandidate != nil {
			cb.OnLocalCandidate(candidate.ToJSON())
		}
	})

	return conn, nil
}

// Connection wraps one pion peer connection. Candidates trickle through
// the OnLocalCandidate callback, so descriptions are returned without
// waiting for gathering to complete.
type Connection struct {
	pc        *webrtc.PeerConnection
	peer      string
	hasTracks bool
	recvOnce  sync.Once
}

// CreateOffer implements registry.Connection.
func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// ensureReceivers lets a side with no local media still ask for the
// remote's audio and video.
func (c *Connection) ensureReceivers() error {
	if c.hasTracks {
		return nil
	}
	var err error
	c.recvOnce.Do(func() {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err = c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				err = fmt.Errorf("add %s receiver: %w", kind, err)
				return
			}
		}
	})
	return err
}

// CreateAnswer implements registry.Connection.
func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription implements registry.Connection.
func (c *Connection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate implements registry.Connection.
func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// Close implements registry.Connection.
func (c *Connection) Close() error {
	return c.pc.Close()
}

var _ registry.ConnectionFactory = (*PeerManager)(nil)
