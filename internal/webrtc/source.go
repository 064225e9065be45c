package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
)

// ErrNoMedia is returned when the constraints select no track.
var ErrNoMedia = errors.New("no media kind requested")

var (
	opusCapability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	vp8Capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// opus frame carrying 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticSource is a MediaSource backed by pion static RTP tracks. Callers
// feed it packets through WriteRTP; the same tracks are shared by every
// peer connection the registry creates.
type StaticSource struct {
	label string

	stream *registry.MediaStream
	audio  *webrtc.TrackLocalStaticRTP
	video  *webrtc.TrackLocalStaticRTP
	mu     sync.Mutex
}

// NewStaticSource creates a source whose stream id starts with label.
func NewStaticSource(label string) *StaticSource {
	return &StaticSource{label: label}
}

// Acquire implements registry.MediaSource. Repeated calls return the same stream.
func (s *StaticSource) Acquire(ctx context.Context, constraints registry.Constraints) (*registry.MediaStream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, ErrNoMedia
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return s.stream, nil
	}

	streamID := fmt.Sprintf("%s-%s", s.label, uuid.NewString())
	stream := &registry.MediaStream{ID: streamID}

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(opusCapability, "audio-"+s.label, streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.audio = track
		stream.Tracks = append(stream.Tracks, track)
	}
	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(vp8Capability, "video-"+s.label, streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.video = track
		stream.Tracks = append(stream.Tracks, track)
	}

	s.stream = stream
	return stream, nil
}

// WriteRTP forwards a packet to the local track of the given kind. Packets
// written before Acquire, or for a kind that was not acquired, are dropped.
func (s *StaticSource) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	s.mu.Lock()
	var track *webrtc.TrackLocalStaticRTP
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		track = s.audio
	case webrtc.RTPCodecTypeVideo:
		track = s.video
	}
	s.mu.Unlock()

	if track == nil {
		return nil
	}
	return track.WriteRTP(pkt)
}

// PlaySilence writes opus silence to the audio track every 20ms until ctx
// ends, so a co-host with no capture device still produces a live stream.
func (s *StaticSource) PlaySilence(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: 111,
		},
		Payload: opusSilence,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += 960
			if err := s.WriteRTP(webrtc.RTPCodecTypeAudio, pkt); err != nil {
				return err
			}
		}
	}
}

var _ registry.MediaSource = (*StaticSource)(nil)
