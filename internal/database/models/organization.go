package models

import (
	"time"

	"github.com/google/uuid"
)

type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
)

type Organization struct {
	Base
	Name   string    `gorm:"not null" json:"name"`
	Slug   string    `gorm:"uniqueIndex;not null" json:"slug"`
	Plan   string    `gorm:"default:'free'" json:"plan"` // free, starter, professional, enterprise
	Status OrgStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`

	// Relationships
	Memberships  []Membership  `gorm:"foreignKey:OrganizationID" json:"-"`
	QuotaAccount *QuotaAccount `gorm:"foreignKey:OrganizationID" json:"-"`
}

func (Organization) TableName() string {
	return "organizations"
}

func (o *Organization) IsActive() bool {
	return o.Status == OrgStatusActive
}

type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
	RoleBilling Role = "billing"
)

// Roles lists every role in descending order of authority.
var Roles = []Role{RoleOwner, RoleAdmin, RoleMember, RoleViewer, RoleBilling}

func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipInvited MembershipStatus = "invited"
	MembershipRevoked MembershipStatus = "revoked"
)

// Membership binds a user to an organization with exactly one role.
type Membership struct {
	UserID         uuid.UUID        `gorm:"type:uuid;primaryKey" json:"user_id"`
	OrganizationID uuid.UUID        `gorm:"type:uuid;primaryKey" json:"organization_id"`
	Role           Role             `gorm:"type:varchar(20);not null;default:'member'" json:"role"`
	Status         MembershipStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`

	User         *User         `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Organization *Organization `gorm:"foreignKey:OrganizationID" json:"organization,omitempty"`
}

func (Membership) TableName() string {
	return "memberships"
}

func (m *Membership) IsActive() bool {
	return m.Status == MembershipActive
}
