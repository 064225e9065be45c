package domain

import "github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"

// Relay frame types from client.
const (
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FramePing        = "ping"
)

// Relay frame types to client.
const (
	FrameAuthResult = "auth_result"
	FrameSubscribed = "subscribed"
	FrameMessage    = "message"
	FrameError      = "error"
	FramePong       = "pong"
)

// BaseFrame is the common shape of every relay frame.
type BaseFrame struct {
	Type string `json:"type"`
}

// Client -> Server frames

// AuthFrame is sent by a client to authenticate.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// TopicFrame subscribes to or unsubscribes from a topic.
type TopicFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// SendFrame publishes an event to a destination topic.
type SendFrame struct {
	Type        string        `json:"type"`
	Destination string        `json:"destination"`
	Event       *pubsub.Event `json:"event"`
}

// Server -> Client frames

// AuthResultFrame is sent to the client after authentication.
type AuthResultFrame struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SubscribedFrame acknowledges a subscription.
type SubscribedFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// MessageFrame delivers an event received on a subscribed topic.
type MessageFrame struct {
	Type  string        `json:"type"`
	Topic string        `json:"topic"`
	Event *pubsub.Event `json:"event"`
}

// ErrorFrame is sent when a client frame cannot be served.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// NewErrorFrame creates a new error frame.
func NewErrorFrame(code, message string) *ErrorFrame {
	return &ErrorFrame{
		Type:    FrameError,
		Code:    code,
		Message: message,
	}
}
