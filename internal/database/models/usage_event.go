package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrImmutableUsageEvent = errors.New("usage events are append-only")

// UsageEvent is the immutable record of one successful charge. ResourceID and
// UserID are weak references: no foreign keys, no cascades.
type UsageEvent struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID   uuid.UUID      `gorm:"type:uuid;not null;index:idx_usage_org_created,priority:1;uniqueIndex:idx_usage_org_idem,priority:1" json:"organization_id"`
	UserID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	ResourceID       *uuid.UUID     `gorm:"type:uuid;index" json:"resource_id,omitempty"`
	EventType        string         `gorm:"type:varchar(64);not null;index" json:"event_type"`
	ComplexityClass  string         `gorm:"type:varchar(16);not null" json:"complexity_class"`
	ComplexitySignal int            `gorm:"not null" json:"complexity_signal"`
	CreditsCharged   int64          `gorm:"not null" json:"credits_charged"`
	Overdraft        bool           `gorm:"not null;default:false" json:"overdraft"`
	IdempotencyKey   *string        `gorm:"type:varchar(128);uniqueIndex:idx_usage_org_idem,priority:2" json:"idempotency_key,omitempty"`
	Metadata         datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_usage_org_created,priority:2" json:"created_at"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}

func (e *UsageEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// BeforeUpdate rejects every update so events stay append-only.
func (e *UsageEvent) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutableUsageEvent
}
