package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry"
	"github.com/weiawesome/wes-io-live/cohost/internal/registry/registrytest"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

func newRegistry() (*registry.Registry, *registrytest.Factory, *registrytest.Source) {
	f := &registrytest.Factory{}
	s := &registrytest.Source{}
	return registry.New(f, s, registry.Constraints{Audio: true, Video: true}, pkglog.Nop()), f, s
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	r, f, s := newRegistry()
	ctx := context.Background()

	first, created, err := r.GetOrCreate(ctx, "bob", domain.RoleInitiator, true)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := r.GetOrCreate(ctx, "bob", domain.RoleResponder, true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, domain.RoleInitiator, second.Role)

	assert.Equal(t, 1, f.Count("bob"))
	assert.Equal(t, 1, s.Acquired())
	assert.Equal(t, 1, r.Len())
}

func TestGetOrCreate_ConcurrentSinglePeer(t *testing.T) {
	r, _, _ := newRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	recs := make([]*registry.Record, 16)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := r.GetOrCreate(ctx, "bob", domain.RoleResponder, false)
			assert.NoError(t, err)
			recs[i] = rec
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
	live, ok := r.Get("bob")
	require.True(t, ok)
	for _, rec := range recs {
		assert.Same(t, live, rec)
	}
}

func TestGetOrCreate_MediaCachedAcrossPeers(t *testing.T) {
	r, f, s := newRegistry()
	ctx := context.Background()

	_, _, err := r.GetOrCreate(ctx, "a", domain.RoleInitiator, true)
	require.NoError(t, err)
	_, _, err = r.GetOrCreate(ctx, "b", domain.RoleInitiator, true)
	require.NoError(t, err)
	_, _, err = r.GetOrCreate(ctx, "c", domain.RoleResponder, false)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Acquired())
	assert.Len(t, f.Conns(), 3)
}

func TestGetOrCreate_MediaFailureNotInserted(t *testing.T) {
	r, f, s := newRegistry()
	s.Err = errors.New("permission denied")

	_, _, err := r.GetOrCreate(context.Background(), "bob", domain.RoleInitiator, true)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, f.Conns())

	// a later explicit retry succeeds once the device is available
	s.Err = nil
	_, created, err := r.GetOrCreate(context.Background(), "bob", domain.RoleInitiator, true)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestClose_Idempotent(t *testing.T) {
	r, f, _ := newRegistry()

	assert.False(t, r.Close("nobody"))

	rec, _, err := r.GetOrCreate(context.Background(), "bob", domain.RoleInitiator, false)
	require.NoError(t, err)

	assert.True(t, r.Close("bob"))
	assert.False(t, r.Close("bob"))
	assert.Equal(t, 0, r.Len())
	assert.True(t, rec.Closed())
	assert.Equal(t, 1, f.Last("bob").CloseCount())
}

func TestCloseRecord_IgnoresStale(t *testing.T) {
	r, _, _ := newRegistry()
	ctx := context.Background()

	old, _, _ := r.GetOrCreate(ctx, "bob", domain.RoleInitiator, false)
	r.Close("bob")
	fresh, _, _ := r.GetOrCreate(ctx, "bob", domain.RoleResponder, false)

	assert.False(t, r.CloseRecord(old))
	assert.True(t, r.Current(fresh))
	assert.True(t, r.CloseRecord(fresh))
	assert.Equal(t, 0, r.Len())
}

func TestCloseAll(t *testing.T) {
	r, f, _ := newRegistry()
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		_, _, err := r.GetOrCreate(ctx, p, domain.RoleResponder, false)
		require.NoError(t, err)
	}

	r.CloseAll()
	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	for _, c := range f.Conns() {
		assert.Equal(t, 1, c.CloseCount())
	}
}

func TestHandler_DropsCallbacksFromClosedRecord(t *testing.T) {
	r, f, _ := newRegistry()

	var mu sync.Mutex
	var got []string
	r.SetHandler(registry.Handler{
		OnLocalCandidate: func(rec *registry.Record, c webrtc.ICECandidateInit) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, rec.Peer+":"+c.Candidate)
		},
	})

	_, _, err := r.GetOrCreate(context.Background(), "bob", domain.RoleInitiator, false)
	require.NoError(t, err)
	conn := f.Last("bob")

	conn.EmitCandidate("c1")
	r.Close("bob")
	conn.EmitCandidate("c2")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bob:c1"}, got)
}

func TestRecord_CompareAndSet(t *testing.T) {
	r, _, _ := newRegistry()
	rec, _, _ := r.GetOrCreate(context.Background(), "bob", domain.RoleInitiator, false)

	assert.Equal(t, domain.StateIdle, rec.State())
	assert.True(t, rec.CompareAndSet(domain.StateOfferSent, domain.StateIdle))
	assert.False(t, rec.CompareAndSet(domain.StateAnswerPending, domain.StateIdle))
	assert.Equal(t, domain.StateOfferSent, rec.State())

	r.Close("bob")
	assert.False(t, rec.SetState(domain.StateConnected))
	assert.Equal(t, domain.StateClosed, rec.State())
}
