package webrtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// endpoint holds remote candidates until the remote description is applied.
type endpoint struct {
	conn registry.Connection

	mu        sync.Mutex
	remoteSet bool
	queued    []webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	tracks    []domain.RemoteTrack
}

func (e *endpoint) addCandidate(c webrtc.ICECandidateInit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteSet {
		e.queued = append(e.queued, c)
		return
	}
	_ = e.conn.AddICECandidate(c)
}

func (e *endpoint) setRemote(t *testing.T, sdp webrtc.SessionDescription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(t, e.conn.SetRemoteDescription(sdp))
	e.remoteSet = true
	for _, c := range e.queued {
		_ = e.conn.AddICECandidate(c)
	}
	e.queued = nil
}

func (e *endpoint) connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == webrtc.PeerConnectionStateConnected
}

func (e *endpoint) trackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}

func callbacks(self, other **endpoint) registry.Callbacks {
	return registry.Callbacks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			go (*other).addCandidate(c)
		},
		OnRemoteTrack: func(track domain.RemoteTrack) {
			(*self).mu.Lock()
			defer (*self).mu.Unlock()
			(*self).tracks = append((*self).tracks, track)
		},
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			(*self).mu.Lock()
			defer (*self).mu.Unlock()
			(*self).state = s
		},
	}
}

func TestConnection_OfferWithoutTracksRequestsMedia(t *testing.T) {
	pm := NewPeerManager(nil, pkglog.Nop())
	conn, err := pm.NewConnection(context.Background(), "host", nil, registry.Callbacks{})
	require.NoError(t, err)
	defer conn.Close()

	offer, err := conn.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "a=recvonly")

	// a second offer does not add more receivers
	again, err := conn.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(again.SDP, "m=audio"))
}

func TestConnection_AnswerBeforeOfferFails(t *testing.T) {
	pm := NewPeerManager(nil, pkglog.Nop())
	conn, err := pm.NewConnection(context.Background(), "viewer", nil, registry.Callbacks{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.CreateAnswer(context.Background())
	assert.Error(t, err)
}

func TestPeerManager_LoopbackSession(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := NewStaticSource("host")
	stream, err := source.Acquire(ctx, registry.Constraints{Audio: true})
	require.NoError(t, err)

	pm := NewPeerManager(nil, pkglog.Nop())
	var offerer, answerer *endpoint
	offerer, answerer = &endpoint{}, &endpoint{}

	offerer.conn, err = pm.NewConnection(ctx, "viewer", stream.Tracks, callbacks(&offerer, &answerer))
	require.NoError(t, err)
	defer offerer.conn.Close()

	answerer.conn, err = pm.NewConnection(ctx, "host", nil, callbacks(&answerer, &offerer))
	require.NoError(t, err)
	defer answerer.conn.Close()

	offer, err := offerer.conn.CreateOffer(ctx)
	require.NoError(t, err)
	answerer.setRemote(t, offer)

	answer, err := answerer.conn.CreateAnswer(ctx)
	require.NoError(t, err)
	offerer.setRemote(t, answer)

	go source.PlaySilence(ctx)

	require.Eventually(t, func() bool {
		return offerer.connected() && answerer.connected()
	}, 15*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool { return answerer.trackCount() == 1 }, 10*time.Second, 50*time.Millisecond)
	answerer.mu.Lock()
	track := answerer.tracks[0]
	answerer.mu.Unlock()
	assert.Equal(t, webrtc.RTPCodecTypeAudio, track.Kind())
	assert.Equal(t, stream.ID, track.StreamID())

	pkt, _, err := track.ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, opusSilence, pkt.Payload)
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource("agent")
	ctx := context.Background()

	assert.NoError(t, s.WriteRTP(webrtc.RTPCodecTypeAudio, nil))

	_, err := s.Acquire(ctx, registry.Constraints{})
	assert.ErrorIs(t, err, ErrNoMedia)

	first, err := s.Acquire(ctx, registry.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, first.Tracks, 2)
	assert.True(t, strings.HasPrefix(first.ID, "agent-"))
	assert.Equal(t, webrtc.RTPCodecTypeAudio, first.Tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, first.Tracks[1].Kind())

	second, err := s.Acquire(ctx, registry.Constraints{Audio: true})
	require.NoError(t, err)
	assert.Same(t, first, second)
}
