package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/cohost/internal/cache"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/repository"
)

type mapCache struct {
	mu      sync.Mutex
	items   map[string]domain.MicDecision
	hits    int
	deletes int
	getErr  error
}

func newMapCache() *mapCache { return &mapCache{items: make(map[string]domain.MicDecision)} }

func (c *mapCache) Get(ctx context.Context, key string) (*domain.MicDecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	d, ok := c.items[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	c.hits++
	return &d, nil
}

func (c *mapCache) Set(ctx context.Context, key string, d *domain.MicDecision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = *d
	return nil
}

func (c *mapCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
		c.deletes++
	}
	return nil
}

func (c *mapCache) BuildKey(roomID, requester string) string { return roomID + ":" + requester }
func (c *mapCache) Close() error                             { return nil }

type failingRepo struct{ repository.DecisionRepository }

func (failingRepo) Get(ctx context.Context, roomID, requester string) (*domain.MicDecision, error) {
	return nil, errors.New("db down")
}

func TestRecordDecision_NormalizesStatus(t *testing.T) {
	svc := NewMicStatusService(repository.NewMemoryDecisionRepository(), nil, 0)
	ctx := context.Background()

	for _, raw := range []string{"ACCEPTED", "accepted", `{"status":"ACCEPTED"}`, `"ACCEPTED"`, "request ACCEPTED by host"} {
		d, err := svc.RecordDecision(ctx, "r1", "host", &domain.RecordDecisionRequest{Requester: "alice", Status: raw, RequestedAt: 5})
		require.NoError(t, err, raw)
		assert.Equal(t, domain.MicAccepted, d.Status, raw)
		assert.Equal(t, "host", d.Responder)
	}

	for _, raw := range []string{"PENDING", "ENDED", "maybe"} {
		_, err := svc.RecordDecision(ctx, "r1", "host", &domain.RecordDecisionRequest{Requester: "alice", Status: raw})
		assert.ErrorIs(t, err, ErrInvalidStatus, raw)
	}
}

func TestGetDecision_ReadThroughCache(t *testing.T) {
	c := newMapCache()
	svc := NewMicStatusService(repository.NewMemoryDecisionRepository(), c, time.Minute)
	ctx := context.Background()

	_, err := svc.GetDecision(ctx, "r1", "alice")
	assert.ErrorIs(t, err, ErrDecisionNotFound)

	_, err = svc.RecordDecision(ctx, "r1", "host", &domain.RecordDecisionRequest{Requester: "alice", Status: "REJECTED", RequestedAt: 1})
	require.NoError(t, err)

	first, err := svc.GetDecision(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.MicRejected, first.Status)
	assert.Equal(t, 0, c.hits)

	second, err := svc.GetDecision(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, c.hits)

	// a new decision invalidates the cached one
	_, err = svc.RecordDecision(ctx, "r1", "host", &domain.RecordDecisionRequest{Requester: "alice", Status: "ACCEPTED", RequestedAt: 2})
	require.NoError(t, err)
	third, err := svc.GetDecision(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.MicAccepted, third.Status)
	assert.Equal(t, int64(2), third.RequestedAt)

	require.NoError(t, svc.ClearDecision(ctx, "r1", "alice"))
	_, err = svc.GetDecision(ctx, "r1", "alice")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestGetDecision_CacheErrorFallsBackToRepository(t *testing.T) {
	c := newMapCache()
	c.getErr = errors.New("redis down")
	repo := repository.NewMemoryDecisionRepository()
	svc := NewMicStatusService(repo, c, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &domain.MicDecision{RoomID: "r1", Requester: "alice", Status: domain.MicAccepted}))
	d, err := svc.GetDecision(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.MicAccepted, d.Status)
}

func TestGetDecision_RepositoryError(t *testing.T) {
	svc := NewMicStatusService(failingRepo{}, nil, 0)
	_, err := svc.GetDecision(context.Background(), "r1", "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDecisionNotFound)
}
