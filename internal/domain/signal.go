package domain

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// SignalType names the kind of envelope carried on the signaling bus.
type SignalType string

// Signal types.
const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalMicRequest   SignalType = "mic-request"
	SignalMicResponse  SignalType = "mic-response"
	SignalMicEnd       SignalType = "mic-end"
)

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate,
		SignalMicRequest, SignalMicResponse, SignalMicEnd:
		return true
	}
	return false
}

// Negotiation reports whether t belongs to the offer/answer/candidate exchange.
func (t SignalType) Negotiation() bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalICECandidate
}

// Envelope is the decoded form of one bus message. Exactly one of the
// payload fields is set, selected by Type.
type Envelope struct {
	Type   SignalType
	RoomID string
	From   string
	To     string

	// offer, answer
	SDP *webrtc.SessionDescription
	// ice-candidate
	Candidate *webrtc.ICECandidateInit
	// mic-request
	Request *MicRequestPayload
	// mic-response
	Status MicStatus
	// mic-end: identity of the requester whose session ended
	Ended string
}

// MicRequestPayload is the body of a mic-request envelope.
type MicRequestPayload struct {
	RequesterIdentity string `json:"requesterIdentity"`
	Timestamp         int64  `json:"timestamp"`
}

// NewOffer builds an offer envelope addressed to peer.
func NewOffer(to string, sdp webrtc.SessionDescription) Envelope {
	return Envelope{Type: SignalOffer, To: to, SDP: &sdp}
}

// NewAnswer builds an answer envelope addressed to peer.
func NewAnswer(to string, sdp webrtc.SessionDescription) Envelope {
	return Envelope{Type: SignalAnswer, To: to, SDP: &sdp}
}

// NewCandidate builds an ice-candidate envelope addressed to peer.
func NewCandidate(to string, c webrtc.ICECandidateInit) Envelope {
	return Envelope{Type: SignalICECandidate, To: to, Candidate: &c}
}

// NewMicRequest builds a mic-request envelope. It has no single recipient;
// it is routed to whoever holds the broadcaster role.
func NewMicRequest(requester string, createdAt int64) Envelope {
	return Envelope{
		Type:    SignalMicRequest,
		Request: &MicRequestPayload{RequesterIdentity: requester, Timestamp: createdAt},
	}
}

// NewMicResponse builds a mic-response envelope for requester.
func NewMicResponse(requester string, status MicStatus) Envelope {
	return Envelope{Type: SignalMicResponse, To: requester, Status: status}
}

// NewMicEnd builds a mic-end envelope telling peer that requester's session ended.
func NewMicEnd(to, requester string) Envelope {
	return Envelope{Type: SignalMicEnd, To: to, Ended: requester}
}

// Sender delivers envelopes to their recipients. Implementations stamp the
// sender identity and room, and pick the destination topic.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}
