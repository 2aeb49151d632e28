package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/gorm"
)

var (
	ErrNotPermitted       = errors.New("not permitted")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrAlreadyMember      = errors.New("identity is already a member")
	ErrInvalidRole        = errors.New("invalid role")
	ErrOwnerProtected     = errors.New("the owner membership cannot be changed")
	ErrIdentityNotFound   = errors.New("identity not found")
)

// MembershipService manages who belongs to an organization. It keeps exactly
// one owner per organization: owner is never assigned, demoted or revoked here.
type MembershipService struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewMembershipService(db *gorm.DB, logger *slog.Logger) *MembershipService {
	return &MembershipService{db: db, logger: logger}
}

// List returns the organization's memberships with their users, owner first.
func (s *MembershipService) List(ctx context.Context, actorID, orgID uuid.UUID) ([]models.Membership, error) {
	if err := s.authorize(ctx, s.db, actorID, orgID, CapManageAccess); err != nil {
		return nil, err
	}

	var members []models.Membership
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("organization_id = ?", orgID).
		Order("CASE WHEN role = 'owner' THEN 0 ELSE 1 END, created_at").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	return members, nil
}

// Add grants role to the identity registered under email. A previously
// revoked membership is reactivated.
func (s *MembershipService) Add(ctx context.Context, actorID, orgID uuid.UUID, email string, role models.Role) (*models.Membership, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if role == models.RoleOwner {
		return nil, ErrOwnerProtected
	}

	var membership models.Membership
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.authorize(ctx, tx, actorID, orgID, CapManageMembers); err != nil {
			return err
		}

		var user models.User
		if err := tx.Where("email = ?", email).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIdentityNotFound
			}
			return err
		}

		err := tx.Where("user_id = ? AND organization_id = ?", user.ID, orgID).First(&membership).Error
		switch {
		case err == nil:
			if membership.Status != models.MembershipRevoked {
				return ErrAlreadyMember
			}
			membership.Role = role
			membership.Status = models.MembershipActive
			return tx.Save(&membership).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			membership = models.Membership{
				UserID:         user.ID,
				OrganizationID: orgID,
				Role:           role,
				Status:         models.MembershipActive,
			}
			return tx.Create(&membership).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("member added", "org_id", orgID, "user_id", membership.UserID, "role", role, "by", actorID)
	return &membership, nil
}

// ChangeRole moves a non-owner member to another non-owner role.
func (s *MembershipService) ChangeRole(ctx context.Context, actorID, orgID, userID uuid.UUID, role models.Role) (*models.Membership, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if role == models.RoleOwner {
		return nil, ErrOwnerProtected
	}

	var membership models.Membership
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.authorize(ctx, tx, actorID, orgID, CapManageRoleAssignments); err != nil {
			return err
		}
		if err := s.loadTarget(tx, orgID, userID, &membership); err != nil {
			return err
		}
		if err := tx.Model(&membership).Update("role", role).Error; err != nil {
			return err
		}
		membership.Role = role
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("member role changed", "org_id", orgID, "user_id", userID, "role", role, "by", actorID)
	return &membership, nil
}

// Revoke ends a non-owner membership. The row is kept with status revoked.
func (s *MembershipService) Revoke(ctx context.Context, actorID, orgID, userID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.authorize(ctx, tx, actorID, orgID, CapManageMembers); err != nil {
			return err
		}
		var membership models.Membership
		if err := s.loadTarget(tx, orgID, userID, &membership); err != nil {
			return err
		}
		return tx.Model(&membership).Update("status", models.MembershipRevoked).Error
	})
	if err != nil {
		return err
	}

	s.logger.Info("member revoked", "org_id", orgID, "user_id", userID, "by", actorID)
	return nil
}

func (s *MembershipService) authorize(ctx context.Context, db *gorm.DB, actorID, orgID uuid.UUID, c Capability) error {
	var actor models.Membership
	err := db.WithContext(ctx).
		Where("user_id = ? AND organization_id = ? AND status = ?", actorID, orgID, models.MembershipActive).
		First(&actor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotPermitted
	}
	if err != nil {
		return fmt.Errorf("%w: membership: %w", ErrLookupFailed, err)
	}
	if !Can(actor.Role, c) {
		return ErrNotPermitted
	}
	return nil
}

func (s *MembershipService) loadTarget(tx *gorm.DB, orgID, userID uuid.UUID, m *models.Membership) error {
	err := tx.Where("user_id = ? AND organization_id = ? AND status <> ?", userID, orgID, models.MembershipRevoked).
		First(m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrMembershipNotFound
	}
	if err != nil {
		return err
	}
	if m.Role == models.RoleOwner {
		return ErrOwnerProtected
	}
	return nil
}
