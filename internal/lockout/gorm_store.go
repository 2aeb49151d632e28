package lockout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps lockout state on the users row, serializing mutations with
// SELECT ... FOR UPDATE.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewGormStore(db *gorm.DB, timeout time.Duration) *GormStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GormStore{db: db, timeout: timeout}
}

func (s *GormStore) Mutate(ctx context.Context, id uuid.UUID, fn func(*State)) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "failed_login_attempts", "locked_until").
			Where("id = ?", id).
			First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownIdentity
		}
		if err != nil {
			return err
		}

		before := State{Failures: user.FailedLoginAttempts, LockedUntil: user.LockedUntil}
		after := before
		fn(&after)
		if sameState(before, after) {
			return nil
		}

		updates := map[string]interface{}{
			"failed_login_attempts": after.Failures,
			"locked_until":          nil,
		}
		if after.LockedUntil != nil {
			updates["locked_until"] = after.LockedUntil.UTC()
		}
		return tx.Model(&models.User{}).Where("id = ?", id).Updates(updates).Error
	})
}

func sameState(a, b State) bool {
	if a.Failures != b.Failures {
		return false
	}
	if a.LockedUntil == nil || b.LockedUntil == nil {
		return a.LockedUntil == nil && b.LockedUntil == nil
	}
	return a.LockedUntil.Equal(*b.LockedUntil)
}
