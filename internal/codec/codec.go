// Package codec converts signaling envelopes to and from bus events.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidatePayload struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type micResponsePayload struct {
	Status string `json:"status"`
}

// Encode serializes env into a bus event.
func Encode(env domain.Envelope) (*pubsub.Event, error) {
	var body any

	switch env.Type {
	case domain.SignalOffer, domain.SignalAnswer:
		if env.SDP == nil {
			return nil, fmt.Errorf("%s without sdp: %w", env.Type, domain.ErrMalformedEnvelope)
		}
		body = sdpPayload{Type: string(env.Type), SDP: env.SDP.SDP}

	case domain.SignalICECandidate:
		if env.Candidate == nil {
			return nil, fmt.Errorf("ice-candidate without candidate: %w", domain.ErrMalformedEnvelope)
		}
		body = candidatePayload{Type: string(domain.SignalICECandidate), Candidate: *env.Candidate}

	case domain.SignalMicRequest:
		if env.Request == nil || env.Request.RequesterIdentity == "" {
			return nil, fmt.Errorf("mic-request without requester: %w", domain.ErrMalformedEnvelope)
		}
		body = env.Request

	case domain.SignalMicResponse:
		if !env.Status.Decided() {
			return nil, fmt.Errorf("mic-response with status %q: %w", env.Status, domain.ErrMalformedEnvelope)
		}
		body = micResponsePayload{Status: string(env.Status)}

	case domain.SignalMicEnd:
		if env.Ended == "" {
			return nil, fmt.Errorf("mic-end without requester: %w", domain.ErrMalformedEnvelope)
		}
		body = env.Ended

	default:
		return nil, fmt.Errorf("%q: %w", env.Type, domain.ErrUnknownSignal)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	return &pubsub.Event{
		Type:      string(env.Type),
		RoomID:    env.RoomID,
		From:      env.From,
		To:        env.To,
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// Decode parses a bus event into an envelope. It returns an error wrapping
// domain.ErrUnknownSignal or domain.ErrMalformedEnvelope and never panics.
func Decode(ev *pubsub.Event) (domain.Envelope, error) {
	if ev == nil {
		return domain.Envelope{}, fmt.Errorf("nil event: %w", domain.ErrMalformedEnvelope)
	}

	env := domain.Envelope{
		Type:   domain.SignalType(ev.Type),
		RoomID: ev.RoomID,
		From:   ev.From,
		To:     ev.To,
	}
	if !env.Type.Valid() {
		return env, fmt.Errorf("%q: %w", ev.Type, domain.ErrUnknownSignal)
	}

	switch env.Type {
	case domain.SignalOffer, domain.SignalAnswer:
		var p sdpPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.SDP == "" {
			return env, malformed(env.Type, err)
		}
		sdpType := webrtc.SDPTypeOffer
		if env.Type == domain.SignalAnswer {
			sdpType = webrtc.SDPTypeAnswer
		}
		env.SDP = &webrtc.SessionDescription{Type: sdpType, SDP: p.SDP}

	case domain.SignalICECandidate:
		var p candidatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Candidate.Candidate == "" {
			return env, malformed(env.Type, err)
		}
		env.Candidate = &p.Candidate

	case domain.SignalMicRequest:
		var p domain.MicRequestPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.RequesterIdentity == "" {
			return env, malformed(env.Type, err)
		}
		env.Request = &p

	case domain.SignalMicResponse:
		status, ok := domain.ParseMicStatus(ev.Payload)
		if !ok || !status.Decided() {
			return env, malformed(env.Type, nil)
		}
		env.Status = status

	case domain.SignalMicEnd:
		var who string
		if err := json.Unmarshal(ev.Payload, &who); err != nil || who == "" {
			return env, malformed(env.Type, err)
		}
		env.Ended = who
	}

	return env, nil
}

func malformed(t domain.SignalType, cause error) error {
	if cause != nil {
		return fmt.Errorf("%s payload: %v: %w", t, cause, domain.ErrMalformedEnvelope)
	}
	return fmt.Errorf("%s payload: %w", t, domain.ErrMalformedEnvelope)
}
