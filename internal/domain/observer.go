package domain

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is an incoming media track. *webrtc.TrackRemote implements it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Observer receives everything the presentation layer displays.
// Calls may arrive from any goroutine and must not block.
type Observer interface {
	OnRemoteTrack(peer string, track RemoteTrack)
	OnPeerStateChanged(peer string, state NegotiationState)
	OnMicRequestReceived(requester string)
	OnMicAccepted(requester string)
	OnMicRejected(requester string)
	OnMicEnded(requester string)
	OnMicFailed(requester string, err error)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) OnRemoteTrack(string, RemoteTrack)           {}
func (NopObserver) OnPeerStateChanged(string, NegotiationState) {}
func (NopObserver) OnMicRequestReceived(string)                 {}
func (NopObserver) OnMicAccepted(string)                        {}
func (NopObserver) OnMicRejected(string)                        {}
func (NopObserver) OnMicEnded(string)                           {}
func (NopObserver) OnMicFailed(string, error)                   {}

var _ Observer = NopObserver{}
