package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QuotaAccount holds an organization's credit allotment for the current
// billing period. Consumed is only ever changed by the usage meter's debit
// and by period rollover.
type QuotaAccount struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID   uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"organization_id"`
	Allotment        int64     `gorm:"not null" json:"allotment"` // negative means unlimited
	Consumed         int64     `gorm:"not null;default:0" json:"consumed"`
	WarningThreshold float64   `gorm:"not null;default:0.9" json:"warning_threshold"`
	AllowOverdraft   bool      `gorm:"not null;default:false" json:"allow_overdraft"`
	PeriodStart      time.Time `gorm:"not null" json:"period_start"`
	PeriodEnd        time.Time `gorm:"not null;index" json:"period_end"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (QuotaAccount) TableName() string {
	return "quota_accounts"
}

func (q *QuotaAccount) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}

func (q *QuotaAccount) Unlimited() bool {
	return q.Allotment < 0
}

// Remaining returns the credits left in the period, never below zero.
// Unlimited accounts report -1.
func (q *QuotaAccount) Remaining() int64 {
	if q.Unlimited() {
		return -1
	}
	if q.Consumed >= q.Allotment {
		return 0
	}
	return q.Allotment - q.Consumed
}
