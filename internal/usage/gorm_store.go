package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore debits quota accounts inside a transaction that holds the
// account row with SELECT ... FOR UPDATE.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
	periods *Periods
}

func NewGormStore(db *gorm.DB, timeout time.Duration) *GormStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GormStore{db: db, timeout: timeout}
}

// WithPeriods makes every debit first roll an expired account into the
// current period.
func (s *GormStore) WithPeriods(p *Periods) *GormStore {
	s.periods = p
	return s
}

func (s *GormStore) Debit(ctx context.Context, orgID uuid.UUID, idempotencyKey string, fn DebitFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.QuotaAccount
		var accountPtr *models.QuotaAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("organization_id = ?", orgID).
			First(&account).Error
		switch {
		case err == nil:
			accountPtr = &account
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if accountPtr != nil && s.periods != nil {
			rolled, err := s.periods.Advance(accountPtr, s.periods.Now())
			if err != nil {
				return err
			}
			if rolled {
				err := tx.Model(&models.QuotaAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
					"consumed":     0,
					"period_start": account.PeriodStart,
					"period_end":   account.PeriodEnd,
				}).Error
				if err != nil {
					return err
				}
			}
		}

		var prior *models.UsageEvent
		if idempotencyKey != "" {
			var event models.UsageEvent
			err := tx.Where("organization_id = ? AND idempotency_key = ?", orgID, idempotencyKey).
				First(&event).Error
			switch {
			case err == nil:
				prior = &event
			case errors.Is(err, gorm.ErrRecordNotFound):
			default:
				return err
			}
		}

		event := fn(accountPtr, prior)
		if event == nil {
			return nil
		}
		if accountPtr == nil {
			return errors.New("charge committed without a quota account")
		}

		err = tx.Model(&models.QuotaAccount{}).
			Where("id = ?", account.ID).
			Update("consumed", gorm.Expr("consumed + ?", event.CreditsCharged)).Error
		if err != nil {
			return err
		}

		if err := tx.Create(event).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateIdempotencyKey
			}
			return err
		}
		return nil
	})
}
