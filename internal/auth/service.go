package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/lockout"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveUser       = errors.New("user is inactive")
	ErrNoOrganization     = errors.New("user has no active organization")
)

// LockedError is returned by Login while the identity is locked out.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked for %s", e.RetryAfter.Round(time.Second))
}

type Service struct {
	db     *gorm.DB
	jwt    *JWTService
	guard  *lockout.Guard
	quotas QuotaProvisioner
	logger *slog.Logger
}

func NewService(db *gorm.DB, jwt *JWTService, guard *lockout.Guard, quotas QuotaProvisioner, logger *slog.Logger) *Service {
	return &Service{db: db, jwt: jwt, guard: guard, quotas: quotas, logger: logger}
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
	OrgName  string // Optional: defaults to the user's name
	Plan     string // Optional: defaults to free
}

type LoginInput struct {
	Email    string
	Password string
	// OrganizationID selects the organization the session acts in. Zero means
	// the first active membership, owned organizations first.
	OrganizationID uuid.UUID
}

type AuthResponse struct {
	Token        string               `json:"token"`
	User         *models.User         `json:"user"`
	Organization *models.Organization `json:"organization"`
	Role         models.Role          `json:"role"`
}

// Register creates an identity, its organization, the owner membership and
// the organization's quota account in one transaction.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*AuthResponse, error) {
	email := normalizeEmail(input.Email)

	// Check if user exists
	var existing models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error; err == nil {
		return nil, ErrUserExists
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	orgName := input.OrgName
	slugSource := orgName
	if orgName == "" {
		orgName = input.Name + "'s Team"
		slugSource = input.Name
	}
	plan := input.Plan
	if plan == "" {
		plan = "free"
	}

	org := models.Organization{
		Name:   orgName,
		Slug:   generateSlug(slugSource),
		Plan:   plan,
		Status: models.OrgStatusActive,
	}

	var user models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&org).Error; err != nil {
			return err
		}

		user = models.User{
			Email:        email,
			PasswordHash: hash,
			Name:         input.Name,
			Status:       models.UserStatusActive,
		}
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrUserExists
			}
			return err
		}

		membership := models.Membership{
			UserID:         user.ID,
			OrganizationID: org.ID,
			Role:           models.RoleOwner,
			Status:         models.MembershipActive,
		}
		if err := tx.Create(&membership).Error; err != nil {
			return err
		}

		account, err := s.quotas.NewAccount(org.ID, org.Plan, time.Now())
		if err != nil {
			return err
		}
		return tx.Create(account).Error
	})
	if err != nil {
		return nil, err
	}

	token, err := s.jwt.GenerateToken(user.ID, org.ID, user.Email)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "user_id", user.ID, "org_id", org.ID, "plan", org.Plan)

	return &AuthResponse{
		Token:        token,
		User:         &user,
		Organization: &org,
		Role:         models.RoleOwner,
	}, nil
}

// Login checks the lockout guard before the password. Any guard failure
// refuses the login: the error wraps lockout.ErrStoreUnavailable.
func (s *Service) Login(ctx context.Context, input LoginInput) (*AuthResponse, error) {
	var user models.User
	if err := s.db.WithContext(ctx).
		Where("email = ?", normalizeEmail(input.Email)).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	status, err := s.guard.Status(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("checking lockout: %w", err)
	}
	if status.Locked() {
		return nil, lockedError(status)
	}

	if !CheckPassword(input.Password, user.PasswordHash) {
		status, err := s.guard.RecordFailure(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("recording failed login: %w", err)
		}
		if status.Locked() {
			return nil, lockedError(status)
		}
		return nil, ErrInvalidCredentials
	}

	// The password matched, but a concurrent burst may have locked the
	// identity since the first check.
	status, err = s.guard.Admit(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("admitting login: %w", err)
	}
	if status.Locked() {
		return nil, lockedError(status)
	}

	if !user.IsActive() {
		return nil, ErrInactiveUser
	}

	membership, err := s.sessionMembership(ctx, user.ID, input.OrganizationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		s.logger.Warn("failed to record last login", "user_id", user.ID, "error", err)
	}

	token, err := s.jwt.GenerateToken(user.ID, membership.OrganizationID, user.Email)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{
		Token:        token,
		User:         &user,
		Organization: membership.Organization,
		Role:         membership.Role,
	}, nil
}

func (s *Service) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).
		Preload("Memberships", "status = ?", models.MembershipActive).
		Preload("Memberships.Organization").
		First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) sessionMembership(ctx context.Context, userID, orgID uuid.UUID) (*models.Membership, error) {
	query := s.db.WithContext(ctx).
		Preload("Organization").
		Where("user_id = ? AND status = ?", userID, models.MembershipActive)
	if orgID != uuid.Nil {
		query = query.Where("organization_id = ?", orgID)
	}

	var membership models.Membership
	err := query.Order("CASE WHEN role = 'owner' THEN 0 ELSE 1 END, created_at").First(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoOrganization
	}
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

func lockedError(status lockout.Status) *LockedError {
	return &LockedError{Until: *status.LockedUntil, RetryAfter: status.RetryAfter}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func generateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "'", "")
	// Random suffix keeps slugs unique across identical names
	return slug + "-" + uuid.New().String()[:8]
}
