package usage

import (
	"fmt"
	"time"

	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/pkg/util"
)

// Periods moves quota accounts into the billing period that contains a given
// instant. Stores apply it under the account lock before every debit, so a
// charge is always counted against the period it happens in.
type Periods struct {
	cron string
	now  func() time.Time
}

func NewPeriods(periodCron string) (*Periods, error) {
	if err := util.ValidateCronExpr(periodCron); err != nil {
		return nil, fmt.Errorf("invalid billing period schedule: %w", err)
	}
	return &Periods{cron: periodCron, now: time.Now}, nil
}

// WithClock replaces the wall clock, mainly for tests.
func (p *Periods) WithClock(now func() time.Time) *Periods {
	p.now = now
	return p
}

// Now is the current instant according to the configured clock, in UTC.
func (p *Periods) Now() time.Time {
	return p.now().UTC()
}

// Advance starts a new period on account when its period ended at or before
// now: consumed is reset and the bounds move to the period containing now.
// Accounts without a period end are left alone. It reports whether the
// account changed.
func (p *Periods) Advance(account *models.QuotaAccount, now time.Time) (bool, error) {
	if account == nil || account.PeriodEnd.IsZero() || now.Before(account.PeriodEnd) {
		return false, nil
	}
	start, end, err := util.PeriodContaining(p.cron, now)
	if err != nil {
		return false, err
	}
	account.Consumed = 0
	account.PeriodStart = start
	account.PeriodEnd = end
	return true, nil
}
