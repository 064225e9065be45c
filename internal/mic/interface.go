package mic

import (
	"context"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
)

// Decision is a broadcaster decision as recorded in the durable store.
type Decision struct {
	Requester   string
	Status      domain.MicStatus
	RequestedAt int64
	Responder   string
}

// DecisionStore is the REST fallback behind the poll path.
type DecisionStore interface {
	RecordDecision(ctx context.Context, roomID string, d Decision) error
	// FetchDecision returns nil, nil when no decision has been recorded.
	FetchDecision(ctx context.Context, roomID, requester string) (*Decision, error)
	ClearDecision(ctx context.Context, roomID, requester string) error
}

// Negotiator is the part of the session negotiator the coordinator drives.
type Negotiator interface {
	Initiate(ctx context.Context, peer string) error
	Close(peer string)
	Record(peer string) (*registry.Record, bool)
}

// MediaWarmer acquires local media ahead of negotiation.
type MediaWarmer interface {
	LocalStream(ctx context.Context) (*registry.MediaStream, error)
}

// Connectivity reports whether the signaling bus is usable.
type Connectivity interface {
	Connected() bool
}

// StatusListener is told about every mic request transition.
type StatusListener func(change domain.StatusChange)
