package domain

import "errors"

// Transport errors: returned to the caller, never retried by the core.
var (
	ErrBusDisconnected = errors.New("signaling bus is not connected")
	ErrSendFailed      = errors.New("failed to send signal")
)

// Protocol errors: logged and dropped at the bus boundary.
var (
	ErrUnknownSignal     = errors.New("unknown signal type")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrNoRecord          = errors.New("no peer connection record")
)

// Resource errors: abort one workflow and are surfaced to the observer.
var (
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrJoinTimeout      = errors.New("timed out waiting for co-host session")
)

// Decision errors: rejected synchronously with a specific reason.
var (
	ErrAlreadyPending   = errors.New("mic request already pending")
	ErrAlreadyActive    = errors.New("mic session already active")
	ErrNoPendingRequest = errors.New("no pending mic request")
	ErrWrongRole        = errors.New("operation not available for this role")
)

// ErrorKind groups errors by how they are handled.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
	KindResource  ErrorKind = "resource"
	KindDecision  ErrorKind = "decision"
	KindInternal  ErrorKind = "internal"
)

var kinds = []struct {
	kind ErrorKind
	errs []error
}{
	{KindTransport, []error{ErrBusDisconnected, ErrSendFailed}},
	{KindProtocol, []error{ErrUnknownSignal, ErrMalformedEnvelope, ErrNoRecord}},
	{KindResource, []error{ErrMediaUnavailable, ErrConnectionFailed, ErrJoinTimeout}},
	{KindDecision, []error{ErrAlreadyPending, ErrAlreadyActive, ErrNoPendingRequest, ErrWrongRole}},
}

// Classify returns the kind of err. Unrecognised errors are internal;
// a nil error has no kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
