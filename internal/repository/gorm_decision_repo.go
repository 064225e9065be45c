package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// GormDecisionRepository implements DecisionRepository using GORM.
type GormDecisionRepository struct {
	db *gorm.DB
}

// NewGormDecisionRepository creates a new GORM-based decision repository.
func NewGormDecisionRepository(db *gorm.DB) *GormDecisionRepository {
	return &GormDecisionRepository{db: db}
}

// Upsert inserts the decision or overwrites the requester's previous one.
func (r *GormDecisionRepository) Upsert(ctx context.Context, d *domain.MicDecision) error {
	l := log.Ctx(ctx)

	model := domain.DecisionToModel(d)
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "requester"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "requested_at", "responder", "updated_at"}),
	}).Create(model)
	if result.Error != nil {
		l.Error().Err(result.Error).Str(log.FieldRoomID, d.RoomID).Msg("failed to upsert mic decision")
		return result.Error
	}

	d.UpdatedAt = model.UpdatedAt
	l.Debug().Str(log.FieldRoomID, d.RoomID).Str(log.FieldRequester, d.Requester).Msg("mic decision stored")
	return nil
}

// Get retrieves the decision for requester in roomID.
func (r *GormDecisionRepository) Get(ctx context.Context, roomID, requester string) (*domain.MicDecision, error) {
	var model domain.MicDecisionModel
	result := r.db.WithContext(ctx).First(&model, "room_id = ? AND requester = ?", roomID, requester)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrDecisionNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldRoomID, roomID).Msg("failed to get mic decision")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// Delete removes the decision. Deleting a missing decision is not an error.
func (r *GormDecisionRepository) Delete(ctx context.Context, roomID, requester string) error {
	result := r.db.WithContext(ctx).
		Where("room_id = ? AND requester = ?", roomID, requester).
		Delete(&domain.MicDecisionModel{})
	return result.Error
}
