package main

import (
	"errors"
	"io"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// logObserver logs every session event and drains remote tracks so their
// RTCP keeps flowing.
type logObserver struct {
	logger zerolog.Logger
}

func newLogObserver(logger zerolog.Logger) *logObserver {
	return &logObserver{logger: logger.With().Str("component", "observer").Logger()}
}

func (o *logObserver) OnRemoteTrack(peer string, track domain.RemoteTrack) {
	o.logger.Info().
		Str(pkglog.FieldPeer, peer).
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Msg("remote track")

	go o.drain(peer, track)
}

func (o *logObserver) drain(peer string, track domain.RemoteTrack) {
	var packets, bytes int
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			ev := o.logger.Info()
			if !errors.Is(err, io.EOF) {
				ev = o.logger.Debug().Err(err)
			}
			ev.Str(pkglog.FieldPeer, peer).
				Str("track_id", track.ID()).
				Int("packets", packets).
				Int("bytes", bytes).
				Msg("remote track ended")
			return
		}
		packets++
		bytes += len(pkt.Payload)
	}
}

func (o *logObserver) OnPeerStateChanged(peer string, state domain.NegotiationState) {
	o.logger.Info().Str(pkglog.FieldPeer, peer).Str(pkglog.FieldState, string(state)).Msg("peer state")
}

func (o *logObserver) OnMicRequestReceived(requester string) {
	o.logger.Info().Str(pkglog.FieldRequester, requester).Msg("mic request received, answer with accept/reject")
}

func (o *logObserver) OnMicAccepted(requester string) {
	o.logger.Info().Str(pkglog.FieldRequester, requester).Msg("mic accepted")
}

func (o *logObserver) OnMicRejected(requester string) {
	o.logger.Info().Str(pkglog.FieldRequester, requester).Msg("mic rejected")
}

func (o *logObserver) OnMicEnded(requester string) {
	o.logger.Info().Str(pkglog.FieldRequester, requester).Msg("mic ended")
}

func (o *logObserver) OnMicFailed(requester string, err error) {
	o.logger.Warn().Err(err).Str(pkglog.FieldRequester, requester).Msg("mic failed")
}

var _ domain.Observer = (*logObserver)(nil)
