package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/cohost/internal/cache"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/repository"
	"github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

var (
	ErrDecisionNotFound = errors.New("mic decision not found")
	ErrInvalidStatus    = errors.New("status must be ACCEPTED or REJECTED")
)

// micStatusServiceImpl implements MicStatusService.
type micStatusServiceImpl struct {
	repo     repository.DecisionRepository
	cache    cache.DecisionCache
	cacheTTL time.Duration
}

// NewMicStatusService creates a new service. cache may be nil.
func NewMicStatusService(repo repository.DecisionRepository, c cache.DecisionCache, cacheTTL time.Duration) MicStatusService {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &micStatusServiceImpl{
		repo:     repo,
		cache:    c,
		cacheTTL: cacheTTL,
	}
}

// RecordDecision stores responder's decision. The status is accepted in any
// of the shapes a mic-response has been seen in.
func (s *micStatusServiceImpl) RecordDecision(ctx context.Context, roomID, responder string, req *domain.RecordDecisionRequest) (*domain.MicDecision, error) {
	status, ok := domain.ParseMicStatus([]byte(req.Status))
	if !ok || !status.Decided() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}

	d := &domain.MicDecision{
		RoomID:      roomID,
		Requester:   req.Requester,
		Status:      status,
		RequestedAt: req.RequestedAt,
		Responder:   responder,
		UpdatedAt:   time.Now(),
	}
	if err := s.repo.Upsert(ctx, d); err != nil {
		return nil, err
	}

	s.invalidate(ctx, roomID, req.Requester)
	return d, nil
}

// GetDecision reads through the cache.
func (s *micStatusServiceImpl) GetDecision(ctx context.Context, roomID, requester string) (*domain.MicDecision, error) {
	l := log.Ctx(ctx)

	var key string
	if s.cache != nil {
		key = s.cache.BuildKey(roomID, requester)
		d, err := s.cache.Get(ctx, key)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			l.Warn().Err(err).Msg("decision cache read failed")
		}
	}

	d, err := s.repo.Get(ctx, roomID, requester)
	if err != nil {
		if errors.Is(err, repository.ErrDecisionNotFound) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, d, s.cacheTTL); err != nil {
			l.Warn().Err(err).Msg("decision cache write failed")
		}
	}
	return d, nil
}

// ClearDecision removes the decision once the session it granted is over.
func (s *micStatusServiceImpl) ClearDecision(ctx context.Context, roomID, requester string) error {
	if err := s.repo.Delete(ctx, roomID, requester); err != nil {
		return err
	}
	s.invalidate(ctx, roomID, requester)
	return nil
}

func (s *micStatusServiceImpl) invalidate(ctx context.Context, roomID, requester string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.cache.BuildKey(roomID, requester)); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRequester, requester).Msg("decision cache invalidation failed")
	}
}
