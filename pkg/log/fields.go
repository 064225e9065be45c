package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware/auth.go keys)
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Service
	FieldService = "service"

	// Signaling
	FieldRoomID     = "room_id"
	FieldIdentity   = "identity"
	FieldPeer       = "peer"
	FieldRequester  = "requester"
	FieldSignalType = "signal_type"
	FieldTopic      = "topic"
	FieldState      = "state"
	FieldClientID   = "client_id"
)
