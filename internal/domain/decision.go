package domain

import "time"

// MicDecision is a broadcaster's recorded answer to one mic request.
type MicDecision struct {
	RoomID      string    `json:"room_id"`
	Requester   string    `json:"requester"`
	Status      MicStatus `json:"status"`
	RequestedAt int64     `json:"requested_at"`
	Responder   string    `json:"responder"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecordDecisionRequest is the body of POST /rooms/:id/mic-response.
type RecordDecisionRequest struct {
	Requester   string `json:"requester" binding:"required,max=100"`
	Status      string `json:"status" binding:"required"`
	RequestedAt int64  `json:"requested_at"`
}

// MicStatusQuery selects the requester on GET and DELETE /rooms/:id/mic-status.
type MicStatusQuery struct {
	Requester string `form:"requester" binding:"required,max=100"`
}

// MicDecisionModel is the GORM model for the mic_decisions table. There is
// at most one row per requester per room; a new decision overwrites it.
type MicDecisionModel struct {
	RoomID      string    `gorm:"type:varchar(64);primaryKey"`
	Requester   string    `gorm:"type:varchar(100);primaryKey"`
	Status      string    `gorm:"type:varchar(20);not null"`
	RequestedAt int64     `gorm:"not null;default:0"`
	Responder   string    `gorm:"type:varchar(100);not null"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for MicDecisionModel.
func (MicDecisionModel) TableName() string {
	return "mic_decisions"
}

// ToDomain converts the model to a MicDecision.
func (m *MicDecisionModel) ToDomain() *MicDecision {
	status, _ := ParseMicStatusString(m.Status)
	return &MicDecision{
		RoomID:      m.RoomID,
		Requester:   m.Requester,
		Status:      status,
		RequestedAt: m.RequestedAt,
		Responder:   m.Responder,
		UpdatedAt:   m.UpdatedAt,
	}
}

// DecisionToModel converts a MicDecision to its model.
func DecisionToModel(d *MicDecision) *MicDecisionModel {
	return &MicDecisionModel{
		RoomID:      d.RoomID,
		Requester:   d.Requester,
		Status:      string(d.Status),
		RequestedAt: d.RequestedAt,
		Responder:   d.Responder,
		UpdatedAt:   d.UpdatedAt,
	}
}
