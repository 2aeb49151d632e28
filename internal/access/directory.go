package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/gorm"
)

// GormDirectory resolves identities, organizations, memberships and resources
// from the relational store. Every query runs under its own timeout.
type GormDirectory struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewGormDirectory(db *gorm.DB, timeout time.Duration) *GormDirectory {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GormDirectory{db: db, timeout: timeout}
}

func (d *GormDirectory) Membership(ctx context.Context, identityID, orgID uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	err := d.first(ctx, &m, "user_id = ? AND organization_id = ?", identityID, orgID)
	if err != nil || m.UserID == uuid.Nil {
		return nil, err
	}
	return &m, nil
}

func (d *GormDirectory) Resource(ctx context.Context, id uuid.UUID) (*models.Resource, error) {
	var r models.Resource
	err := d.first(ctx, &r, "id = ?", id)
	if err != nil || r.ID == uuid.Nil {
		return nil, err
	}
	return &r, nil
}

func (d *GormDirectory) User(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := d.first(ctx, &u, "id = ?", id)
	if err != nil || u.ID == uuid.Nil {
		return nil, err
	}
	return &u, nil
}

func (d *GormDirectory) Organization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var o models.Organization
	err := d.first(ctx, &o, "id = ?", id)
	if err != nil || o.ID == uuid.Nil {
		return nil, err
	}
	return &o, nil
}

// first loads one row into dest. Not-found leaves dest zero and returns nil.
func (d *GormDirectory) first(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.db.WithContext(ctx).Where(query, args...).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
