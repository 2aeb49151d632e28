package models

import "github.com/google/uuid"

type Visibility string

const (
	VisibilityPrivate      Visibility = "private"
	VisibilityOrganization Visibility = "organization"
	VisibilityPublic       Visibility = "public"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityOrganization, VisibilityPublic:
		return true
	}
	return false
}

// Resource is an organization-owned document. Deletion sets the soft-delete
// marker in Base; rows are kept for the audit trail.
type Resource struct {
	Base
	OrganizationID uuid.UUID  `gorm:"type:uuid;not null;index" json:"organization_id"`
	OwnerID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_id"`
	Title          string     `gorm:"not null" json:"title"`
	Body           string     `gorm:"type:text" json:"body"`
	Visibility     Visibility `gorm:"type:varchar(20);not null;default:'private'" json:"visibility"`
}

func (Resource) TableName() string {
	return "resources"
}
