package registry

import (
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
)

// Record is the registry's entry for one peer.
type Record struct {
	Peer      string
	Role      domain.Role
	Conn      Connection
	WithMedia bool
	CreatedAt time.Time

	state domain.NegotiationState
	mu    sync.Mutex
}

func newRecord(peer string, role domain.Role, withMedia bool) *Record {
	return &Record{
		Peer:      peer,
		Role:      role,
		WithMedia: withMedia,
		CreatedAt: time.Now(),
		state:     domain.StateIdle,
	}
}

// State returns the negotiation state.
func (r *Record) State() domain.NegotiationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState moves the record to s unless it is already closed.
func (r *Record) SetState(s domain.NegotiationState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == domain.StateClosed {
		return false
	}
	r.state = s
	return true
}

// CompareAndSet moves the record to next only when it is currently in one of from.
func (r *Record) CompareAndSet(next domain.NegotiationState, from ...domain.NegotiationState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range from {
		if r.state == f {
			r.state = next
			return true
		}
	}
	return false
}

// Closed reports whether the record was closed.
func (r *Record) Closed() bool {
	return r.State() == domain.StateClosed
}
