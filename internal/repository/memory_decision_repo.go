package repository

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
)

// MemoryDecisionRepository keeps decisions in process memory. It backs
// single-node deployments and tests.
type MemoryDecisionRepository struct {
	decisions map[string]domain.MicDecision
	mu        sync.RWMutex
}

// NewMemoryDecisionRepository creates an empty repository.
func NewMemoryDecisionRepository() *MemoryDecisionRepository {
	return &MemoryDecisionRepository{decisions: make(map[string]domain.MicDecision)}
}

func memoryKey(roomID, requester string) string {
	return roomID + "/" + requester
}

func (r *MemoryDecisionRepository) Upsert(ctx context.Context, d *domain.MicDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.UpdatedAt = time.Now()
	r.decisions[memoryKey(d.RoomID, d.Requester)] = *d
	return nil
}

func (r *MemoryDecisionRepository) Get(ctx context.Context, roomID, requester string) (*domain.MicDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decisions[memoryKey(roomID, requester)]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return &d, nil
}

func (r *MemoryDecisionRepository) Delete(ctx context.Context, roomID, requester string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.decisions, memoryKey(roomID, requester))
	return nil
}

var (
	_ DecisionRepository = (*MemoryDecisionRepository)(nil)
	_ DecisionRepository = (*GormDecisionRepository)(nil)
)
