package mic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []domain.Envelope
	err  error
}

func (s *recordingSender) Send(ctx context.Context, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, s.err)
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSender) ofType(t domain.SignalType) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, e := range s.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type connFlag struct{ up atomic.Bool }

func (c *connFlag) Connected() bool { return c.up.Load() }

type memStore struct {
	mu        sync.Mutex
	decisions map[string]Decision
	err       error
	fetches   int
}

func newMemStore() *memStore {
	return &memStore{decisions: make(map[string]Decision)}
}

func (m *memStore) RecordDecision(ctx context.Context, roomID string, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.decisions[roomID+"/"+d.Requester] = d
	return nil
}

func (m *memStore) FetchDecision(ctx context.Context, roomID, requester string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.decisions[roomID+"/"+requester]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *memStore) ClearDecision(ctx context.Context, roomID, requester string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.decisions, roomID+"/"+requester)
	return nil
}

func (m *memStore) get(roomID, requester string) (Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[roomID+"/"+requester]
	return d, ok
}

func (m *memStore) put(roomID string, d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[roomID+"/"+d.Requester] = d
}

var errStoreDown = errors.New("store down")

// ctxMedia fails once its context is done, like a capture device would.
type ctxMedia struct{ inner MediaWarmer }

func (m ctxMedia) LocalStream(ctx context.Context) (*registry.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	return m.inner.LocalStream(ctx)
}

type recordingObserver struct {
	domain.NopObserver

	mu       sync.Mutex
	events   []string
	failures []error
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) OnMicRequestReceived(r string) { o.add("requested:" + r) }
func (o *recordingObserver) OnMicAccepted(r string)        { o.add("accepted:" + r) }
func (o *recordingObserver) OnMicRejected(r string)        { o.add("rejected:" + r) }
func (o *recordingObserver) OnMicEnded(r string)           { o.add("ended:" + r) }

func (o *recordingObserver) OnMicFailed(r string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "failed:"+r)
	o.failures = append(o.failures, err)
}

func (o *recordingObserver) count(e string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, x := range o.events {
		if x == e {
			n++
		}
	}
	return n
}

func (o *recordingObserver) lastFailure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.failures) == 0 {
		return nil
	}
	return o.failures[len(o.failures)-1]
}
