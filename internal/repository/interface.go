package repository

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
)

var (
	ErrDecisionNotFound = errors.New("mic decision not found")
)

// DecisionRepository persists mic decisions.
type DecisionRepository interface {
	Upsert(ctx context.Context, d *domain.MicDecision) error
	Get(ctx context.Context, roomID, requester string) (*domain.MicDecision, error)
	Delete(ctx context.Context, roomID, requester string) error
}
