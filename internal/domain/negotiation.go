package domain

// Role is a side's part in one offer/answer exchange.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// NegotiationState is the per-peer negotiation state.
//
// Initiator: IDLE -> OFFER_SENT -> ANSWER_PENDING -> CONNECTED
// Responder: IDLE -> OFFER_RECEIVED -> ANSWER_SENT -> CONNECTED
// Either side may move to CLOSED from any state.
type NegotiationState string

const (
	StateIdle          NegotiationState = "IDLE"
	StateOfferSent     NegotiationState = "OFFER_SENT"
	StateAnswerPending NegotiationState = "ANSWER_PENDING"
	StateOfferReceived NegotiationState = "OFFER_RECEIVED"
	StateAnswerSent    NegotiationState = "ANSWER_SENT"
	StateConnected     NegotiationState = "CONNECTED"
	StateClosed        NegotiationState = "CLOSED"
)

// RemoteApplied reports whether the remote description has been applied in s,
// i.e. whether remote ICE candidates can be added.
func (s NegotiationState) RemoteApplied() bool {
	switch s {
	case StateAnswerPending, StateOfferReceived, StateAnswerSent, StateConnected:
		return true
	}
	return false
}
