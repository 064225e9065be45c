package mic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

type scriptedProber struct {
	mu     sync.Mutex
	calls  int
	status domain.MicStatus
	err    error
}

func (p *scriptedProber) PollStatus(ctx context.Context, requester string) (domain.MicStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.status, p.err
}

func (p *scriptedProber) set(s domain.MicStatus, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.err = s, err
}

func (p *scriptedProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestPoller_StartsAndStopsWithStatus(t *testing.T) {
	prober := &scriptedProber{status: domain.MicPending}
	p := NewPoller(prober, 5*time.Millisecond, pkglog.Nop())
	defer p.Stop()

	p.HandleStatusChange(domain.StatusChange{Requester: fan, To: domain.MicPending})
	p.HandleStatusChange(domain.StatusChange{Requester: fan, To: domain.MicPending})
	assert.True(t, p.Active(fan))

	assert.Eventually(t, func() bool { return prober.count() >= 3 }, time.Second, time.Millisecond)

	p.HandleStatusChange(domain.StatusChange{Requester: fan, From: domain.MicPending, To: domain.MicAccepted})
	assert.False(t, p.Active(fan))

	settled := prober.count()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, prober.count(), settled+1)
}

func TestPoller_StopsWhenProbeSettles(t *testing.T) {
	prober := &scriptedProber{status: domain.MicPending, err: errors.New("503")}
	p := NewPoller(prober, 5*time.Millisecond, pkglog.Nop())
	defer p.Stop()

	p.HandleStatusChange(domain.StatusChange{Requester: fan, To: domain.MicPending})
	assert.Eventually(t, func() bool { return prober.count() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, p.Active(fan), "errors keep the loop alive")

	prober.set(domain.MicRejected, nil)
	assert.Eventually(t, func() bool { return !p.Active(fan) }, time.Second, time.Millisecond)
}

func TestPoller_DrivenByCoordinator(t *testing.T) {
	store := newMemStore()
	v := newSide(t, fan, false, store)
	p := NewPoller(v.c, 5*time.Millisecond, pkglog.Nop())
	defer p.Stop()
	v.c.Subscribe(p.HandleStatusChange)

	ctx := context.Background()
	require.NoError(t, v.c.RequestMic(ctx, fan))
	assert.True(t, p.Active(fan))

	req, _ := v.c.Request(fan)
	store.put(room, Decision{Requester: fan, Status: domain.MicRejected, RequestedAt: req.CreatedAt})

	assert.Eventually(t, func() bool {
		return v.c.Status(fan) == domain.MicRejected && !p.Active(fan)
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, v.observer.count("rejected:"+fan))
}

func TestPoller_StopIsFinal(t *testing.T) {
	p := NewPoller(&scriptedProber{status: domain.MicPending}, time.Millisecond, pkglog.Nop())
	p.Stop()

	p.HandleStatusChange(domain.StatusChange{Requester: fan, To: domain.MicPending})
	assert.False(t, p.Active(fan))
}

func TestPoller_AcceptSurvivesLoopShutdown(t *testing.T) {
	store := newMemStore()
	v := newSide(t, fan, false, store)
	v.c.cfg.JoinTimeout = time.Minute
	v.c.opts.Media = ctxMedia{inner: v.reg}
	p := NewPoller(v.c, 5*time.Millisecond, pkglog.Nop())
	defer p.Stop()
	v.c.Subscribe(p.HandleStatusChange)

	require.NoError(t, v.c.RequestMic(context.Background(), fan))
	req, _ := v.c.Request(fan)
	store.put(room, Decision{Requester: fan, Status: domain.MicAccepted, RequestedAt: req.CreatedAt})

	require.Eventually(t, func() bool { return !p.Active(fan) }, time.Second, time.Millisecond)
	p.Stop()

	assert.Equal(t, domain.MicAccepted, v.c.Status(fan))
	assert.NoError(t, v.observer.lastFailure())
	assert.Empty(t, v.sender.ofType(domain.SignalMicEnd))
	assert.Equal(t, 1, v.observer.count("accepted:"+fan))
	assert.Equal(t, 1, v.source.Acquired())
}
