package mic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/negotiator"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry/registrytest"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

const (
	room = "r1"
	host = "host"
	fan  = "viewer"
)

type side struct {
	c        *Coordinator
	neg      *negotiator.Negotiator
	reg      *registry.Registry
	factory  *registrytest.Factory
	source   *registrytest.Source
	sender   *recordingSender
	bus      *connFlag
	store    *memStore
	observer *recordingObserver

	mu      sync.Mutex
	changes []domain.StatusChange
}

func newSide(t *testing.T, self string, broadcaster bool, store *memStore) *side {
	t.Helper()
	s := &side{
		factory:  &registrytest.Factory{},
		source:   &registrytest.Source{},
		sender:   &recordingSender{},
		bus:      &connFlag{},
		store:    store,
		observer: &recordingObserver{},
	}
	s.bus.up.Store(true)
	s.reg = registry.New(s.factory, s.source, registry.Constraints{Audio: true}, pkglog.Nop())
	s.neg = negotiator.New(s.reg, s.sender, s.observer, negotiator.DefaultConfig(), pkglog.Nop())

	opts := Options{
		Sender:     s.sender,
		Bus:        s.bus,
		Negotiator: s.neg,
		Media:      s.reg,
		Observer:   s.observer,
	}
	if store != nil {
		opts.Store = store
	}
	s.c = NewCoordinator(Config{
		Self:          self,
		RoomID:        room,
		Broadcaster:   host,
		IsBroadcaster: broadcaster,
		JoinTimeout:   80 * time.Millisecond,
	}, opts, pkglog.Nop())

	s.neg.SetMediaPolicy(s.c.WantsMedia)
	s.neg.OnStateChange(s.c.OnPeerStateChanged)
	s.c.Subscribe(func(ch domain.StatusChange) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.changes = append(s.changes, ch)
	})
	t.Cleanup(s.c.Close)
	return s
}

func (s *side) transitionsTo(status domain.MicStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ch := range s.changes {
		if ch.To == status {
			n++
		}
	}
	return n
}

func TestRequestMic_BusDisconnected(t *testing.T) {
	v := newSide(t, fan, false, newMemStore())
	v.bus.up.Store(false)

	err := v.c.RequestMic(context.Background(), fan)

	assert.ErrorIs(t, err, domain.ErrBusDisconnected)
	assert.Equal(t, domain.MicNone, v.c.Status(fan))
	assert.Empty(t, v.sender.ofType(domain.SignalMicRequest))
}

func TestRequestMic_TwiceWhilePending(t *testing.T) {
	v := newSide(t, fan, false, newMemStore())
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))
	err := v.c.RequestMic(ctx, fan)

	assert.ErrorIs(t, err, domain.ErrAlreadyPending)
	assert.Equal(t, domain.MicPending, v.c.Status(fan))
	reqs := v.sender.ofType(domain.SignalMicRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, fan, reqs[0].Request.RequesterIdentity)
	assert.Equal(t, 1, v.transitionsTo(domain.MicPending))
}

func TestRequestMic_SendFailureReverts(t *testing.T) {
	v := newSide(t, fan, false, newMemStore())
	v.sender.fail(errors.New("socket closed"))

	err := v.c.RequestMic(context.Background(), fan)

	assert.ErrorIs(t, err, domain.ErrSendFailed)
	assert.Equal(t, domain.MicNone, v.c.Status(fan))
}

func TestRequestMic_WrongRole(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	assert.ErrorIs(t, b.c.RequestMic(context.Background(), host), domain.ErrWrongRole)

	v := newSide(t, fan, false, newMemStore())
	assert.ErrorIs(t, v.c.RequestMic(context.Background(), "someone-else"), domain.ErrWrongRole)
}

func TestPushThenPoll_AppliedOnce(t *testing.T) {
	store := newMemStore()
	v := newSide(t, fan, false, store)
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))
	req, _ := v.c.Request(fan)
	store.put(room, Decision{Requester: fan, Status: domain.MicAccepted, RequestedAt: req.CreatedAt})

	require.NoError(t, v.c.OnResponsePushed(ctx, host, domain.MicAccepted))
	status, err := v.c.PollStatus(ctx, fan)
	require.NoError(t, err)

	assert.Equal(t, domain.MicAccepted, status)
	assert.Equal(t, 1, v.observer.count("accepted:"+fan))
	assert.Equal(t, 1, v.transitionsTo(domain.MicAccepted))
}

func TestPollThenPush_AppliedOnce(t *testing.T) {
	store := newMemStore()
	v := newSide(t, fan, false, store)
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))
	req, _ := v.c.Request(fan)
	store.put(room, Decision{Requester: fan, Status: domain.MicRejected, RequestedAt: req.CreatedAt})

	status, err := v.c.PollStatus(ctx, fan)
	require.NoError(t, err)
	assert.Equal(t, domain.MicRejected, status)

	require.NoError(t, v.c.OnResponsePushed(ctx, host, domain.MicRejected))
	require.NoError(t, v.c.OnResponsePushed(ctx, host, domain.MicAccepted))

	assert.Equal(t, domain.MicRejected, v.c.Status(fan))
	assert.Equal(t, 1, v.observer.count("rejected:"+fan))
	assert.Equal(t, 0, v.observer.count("accepted:"+fan))
}

func TestPushAndPollRacing_AppliedOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := newMemStore()
		v := newSide(t, fan, false, store)
		v.c.cfg.JoinTimeout = time.Minute
		ctx := context.Background()

		require.NoError(t, v.c.RequestMic(ctx, fan))
		req, _ := v.c.Request(fan)
		store.put(room, Decision{Requester: fan, Status: domain.MicAccepted, RequestedAt: req.CreatedAt})

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, v.c.OnResponsePushed(ctx, host, domain.MicAccepted))
		}()
		go func() {
			defer wg.Done()
			<-start
			_, err := v.c.PollStatus(ctx, fan)
			assert.NoError(t, err)
		}()
		close(start)
		wg.Wait()

		assert.Equal(t, domain.MicAccepted, v.c.Status(fan))
		assert.Equal(t, 1, v.observer.count("accepted:"+fan))
		assert.Equal(t, 1, v.transitionsTo(domain.MicAccepted))
		assert.Equal(t, 1, v.source.Acquired())
	}
}

func TestPollStatus_IgnoresStaleAndMissingDecisions(t *testing.T) {
	store := newMemStore()
	v := newSide(t, fan, false, store)
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))

	status, err := v.c.PollStatus(ctx, fan)
	require.NoError(t, err)
	assert.Equal(t, domain.MicPending, status)

	store.put(room, Decision{Requester: fan, Status: domain.MicRejected, RequestedAt: 1})
	status, err = v.c.PollStatus(ctx, fan)
	require.NoError(t, err)
	assert.Equal(t, domain.MicPending, status)

	store.err = errStoreDown
	_, err = v.c.PollStatus(ctx, fan)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, domain.MicPending, v.c.Status(fan))
}

func TestOnResponsePushed_IgnoresNonBroadcaster(t *testing.T) {
	v := newSide(t, fan, false, nil)
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))
	require.NoError(t, v.c.OnResponsePushed(ctx, "impostor", domain.MicAccepted))

	assert.Equal(t, domain.MicPending, v.c.Status(fan))
}

func TestViewerAccepted_JoinTimeoutSurfacesFailure(t *testing.T) {
	v := newSide(t, fan, false, nil)
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))
	require.NoError(t, v.c.OnResponsePushed(ctx, host, domain.MicAccepted))
	assert.Equal(t, 1, v.source.Acquired())

	assert.Eventually(t, func() bool {
		return v.c.Status(fan) == domain.MicEnded
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, v.observer.lastFailure(), domain.ErrJoinTimeout)
	ends := v.sender.ofType(domain.SignalMicEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, host, ends[0].To)
	assert.Equal(t, fan, ends[0].Ended)
}

func TestViewerAccepted_OfferCompletesJoin(t *testing.T) {
	v := newSide(t, fan, false, nil)
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))
	require.NoError(t, v.c.OnResponsePushed(ctx, host, domain.MicAccepted))
	require.NoError(t, v.neg.OnOfferReceived(ctx, host, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}))

	rec, ok := v.reg.Get(host)
	require.True(t, ok)
	assert.True(t, rec.WithMedia)
	assert.Equal(t, domain.RoleResponder, rec.Role)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, domain.MicAccepted, v.c.Status(fan))
	assert.Nil(t, v.observer.lastFailure())
}

func TestViewerAccepted_MediaFailure(t *testing.T) {
	v := newSide(t, fan, false, nil)
	v.source.Err = errors.New("no microphone")
	ctx := context.Background()

	require.NoError(t, v.c.RequestMic(ctx, fan))
	err := v.c.OnResponsePushed(ctx, host, domain.MicAccepted)

	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, domain.MicEnded, v.c.Status(fan))
	assert.ErrorIs(t, v.observer.lastFailure(), domain.ErrMediaUnavailable)
}

func TestOnRequestReceived_DuplicatesSuppressed(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	ctx := context.Background()
	p := domain.MicRequestPayload{RequesterIdentity: fan, Timestamp: 42}

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, p))
	require.NoError(t, b.c.OnRequestReceived(ctx, fan, p))

	assert.Equal(t, 1, b.observer.count("requested:"+fan))
	assert.Equal(t, []string{fan}, b.c.Outstanding())
	req, _ := b.c.Request(fan)
	assert.Equal(t, int64(42), req.CreatedAt)
}

func TestOnRequestReceived_Spoofed(t *testing.T) {
	b := newSide(t, host, true, nil)
	err := b.c.OnRequestReceived(context.Background(), "mallory", domain.MicRequestPayload{RequesterIdentity: fan})
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
	assert.Empty(t, b.c.Outstanding())
}

func TestRespond_AcceptPushesRecordsAndInitiates(t *testing.T) {
	store := newMemStore()
	b := newSide(t, host, true, store)
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan, Timestamp: 7}))
	require.NoError(t, b.c.Respond(ctx, fan, true))

	assert.Equal(t, domain.MicAccepted, b.c.Status(fan))

	responses := b.sender.ofType(domain.SignalMicResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, fan, responses[0].To)
	assert.Equal(t, domain.MicAccepted, responses[0].Status)

	d, ok := store.get(room, fan)
	require.True(t, ok)
	assert.Equal(t, domain.MicAccepted, d.Status)
	assert.Equal(t, int64(7), d.RequestedAt)
	assert.Equal(t, host, d.Responder)

	offers := b.sender.ofType(domain.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, fan, offers[0].To)
	assert.Equal(t, 1, b.reg.Len())
	rec, _ := b.reg.Get(fan)
	assert.True(t, rec.WithMedia)
}

func TestRespond_Reject(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan}))
	require.NoError(t, b.c.Respond(ctx, fan, false))

	assert.Equal(t, domain.MicRejected, b.c.Status(fan))
	assert.Equal(t, 0, b.reg.Len())
	assert.Equal(t, 1, b.observer.count("rejected:"+fan))
	assert.Empty(t, b.sender.ofType(domain.SignalOffer))
}

func TestRespond_NoPendingRequest(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	assert.ErrorIs(t, b.c.Respond(context.Background(), fan, true), domain.ErrNoPendingRequest)

	v := newSide(t, fan, false, nil)
	assert.ErrorIs(t, v.c.Respond(context.Background(), fan, true), domain.ErrWrongRole)
}

func TestRespond_PartialDeliveryStillDecides(t *testing.T) {
	store := newMemStore()
	store.err = errStoreDown
	b := newSide(t, host, true, store)
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan}))
	require.NoError(t, b.c.Respond(ctx, fan, false))

	assert.Equal(t, domain.MicRejected, b.c.Status(fan))
	assert.Len(t, b.sender.ofType(domain.SignalMicResponse), 1)
}

func TestRespond_BothDeliveriesFailReverts(t *testing.T) {
	store := newMemStore()
	store.err = errStoreDown
	b := newSide(t, host, true, store)
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan}))
	b.sender.fail(errors.New("bus down"))

	err := b.c.Respond(ctx, fan, true)

	assert.ErrorIs(t, err, domain.ErrSendFailed)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, domain.MicPending, b.c.Status(fan))
	assert.Equal(t, 0, b.reg.Len())
}

func TestRespond_AcceptWithMediaFailure(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	b.source.Err = errors.New("camera unplugged")
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan}))
	err := b.c.Respond(ctx, fan, true)

	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, domain.MicEnded, b.c.Status(fan))
	assert.Equal(t, 0, b.reg.Len())
	assert.ErrorIs(t, b.observer.lastFailure(), domain.ErrMediaUnavailable)
	assert.Len(t, b.sender.ofType(domain.SignalMicEnd), 1)
}

func TestEndMic_ClosesOnceAndSendsOnce(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan}))
	require.NoError(t, b.c.Respond(ctx, fan, true))
	require.Equal(t, 1, b.reg.Len())

	require.NoError(t, b.c.EndMic(ctx, fan))
	require.NoError(t, b.c.EndMic(ctx, fan))

	assert.Equal(t, 0, b.reg.Len())
	assert.Equal(t, domain.MicEnded, b.c.Status(fan))
	ends := b.sender.ofType(domain.SignalMicEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, fan, ends[0].To)
	assert.Equal(t, fan, ends[0].Ended)
	assert.Equal(t, 1, b.factory.Last(fan).CloseCount())

	_, ok := b.store.get(room, fan)
	assert.False(t, ok)
}

func TestEndMic_NoRequestIsNoop(t *testing.T) {
	v := newSide(t, fan, false, nil)
	require.NoError(t, v.c.EndMic(context.Background(), ""))
	assert.Empty(t, v.sender.ofType(domain.SignalMicEnd))
}

func TestOnEndReceived(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan}))
	require.NoError(t, b.c.Respond(ctx, fan, true))

	assert.ErrorIs(t, b.c.OnEndReceived(ctx, "mallory", fan), domain.ErrMalformedEnvelope)
	require.NoError(t, b.c.OnEndReceived(ctx, fan, fan))
	require.NoError(t, b.c.OnEndReceived(ctx, fan, fan))

	assert.Equal(t, domain.MicEnded, b.c.Status(fan))
	assert.Equal(t, 0, b.reg.Len())
	assert.Equal(t, 1, b.observer.count("ended:"+fan))
	assert.Empty(t, b.sender.ofType(domain.SignalMicEnd))
}

func TestOnRequestReceived_WhileActiveResetsSession(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan, Timestamp: 1}))
	require.NoError(t, b.c.Respond(ctx, fan, true))
	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan, Timestamp: 2}))

	assert.Equal(t, domain.MicPending, b.c.Status(fan))
	assert.Equal(t, 0, b.reg.Len())
	assert.Equal(t, 1, b.observer.count("ended:"+fan))
	assert.Equal(t, 2, b.observer.count("requested:"+fan))
}

func TestConnectionFailureEndsAcceptedRequest(t *testing.T) {
	b := newSide(t, host, true, newMemStore())
	ctx := context.Background()

	require.NoError(t, b.c.OnRequestReceived(ctx, fan, domain.MicRequestPayload{RequesterIdentity: fan}))
	require.NoError(t, b.c.Respond(ctx, fan, true))

	b.factory.Last(fan).EmitState(webrtc.PeerConnectionStateFailed)

	assert.Eventually(t, func() bool {
		return b.c.Status(fan) == domain.MicEnded
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, b.observer.lastFailure(), domain.ErrConnectionFailed)
}

func TestWantsMedia(t *testing.T) {
	v := newSide(t, fan, false, nil)
	assert.False(t, v.c.WantsMedia(host))

	require.NoError(t, v.c.RequestMic(context.Background(), fan))
	assert.True(t, v.c.WantsMedia(host))
	assert.False(t, v.c.WantsMedia("other"))

	b := newSide(t, host, true, nil)
	assert.True(t, b.c.WantsMedia(fan))
}
