package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Roller starts a new billing period for accounts whose period has ended.
// Usage events are never touched.
type Roller struct {
	db      *gorm.DB
	periods *Periods
	logger  *slog.Logger
}

func NewRoller(db *gorm.DB, periodCron string, logger *slog.Logger) (*Roller, error) {
	periods, err := NewPeriods(periodCron)
	if err != nil {
		return nil, err
	}
	return &Roller{db: db, periods: periods, logger: logger}, nil
}

// Rollover resets every expired account and returns how many were reset.
func (r *Roller) Rollover(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()

	var due []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.QuotaAccount{}).
		Where("period_end <= ?", now).
		Pluck("id", &due).Error
	if err != nil {
		return 0, fmt.Errorf("finding expired accounts: %w", err)
	}

	rolled := 0
	for _, id := range due {
		ok, err := r.rollOne(ctx, id, now)
		if err != nil {
			return rolled, err
		}
		if ok {
			rolled++
		}
	}

	if rolled > 0 {
		r.logger.Info("quota periods rolled over", "accounts", rolled)
	}
	return rolled, nil
}

func (r *Roller) rollOne(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	rolled := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.QuotaAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Another worker or a debit may have rolled it since the scan.
		advanced, err := r.periods.Advance(&account, now)
		if err != nil || !advanced {
			return err
		}

		err = tx.Model(&models.QuotaAccount{}).Where("id = ?", id).Updates(map[string]interface{}{
			"consumed":     0,
			"period_start": account.PeriodStart,
			"period_end":   account.PeriodEnd,
		}).Error
		if err != nil {
			return err
		}
		rolled = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rolling over account %s: %w", id, err)
	}
	return rolled, nil
}
