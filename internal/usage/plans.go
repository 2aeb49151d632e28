package usage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/pkg/util"
)

const (
	PlanFree         = "free"
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"
	PlanUnlimited    = "unlimited"
)

// Plan is a named monthly credit allotment. A negative allotment is unlimited.
type Plan struct {
	Name           string `json:"name"`
	MonthlyCredits int64  `json:"monthly_credits"`
}

var defaultPlans = []Plan{
	{Name: PlanFree, MonthlyCredits: 100},
	{Name: PlanStarter, MonthlyCredits: 1000},
	{Name: PlanProfessional, MonthlyCredits: 5000},
	{Name: PlanEnterprise, MonthlyCredits: 15000},
	{Name: PlanUnlimited, MonthlyCredits: -1},
}

// Plans provisions quota accounts for new organizations.
type Plans struct {
	plans            map[string]Plan
	defaultAllotment int64
	threshold        float64
	periodCron       string
}

// NewPlans builds the catalog. Unknown plan names get defaultAllotment.
func NewPlans(defaultAllotment int64, threshold float64, periodCron string) (*Plans, error) {
	if err := util.ValidateCronExpr(periodCron); err != nil {
		return nil, fmt.Errorf("invalid billing period schedule: %w", err)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultWarningThreshold
	}
	p := &Plans{
		plans:            make(map[string]Plan, len(defaultPlans)),
		defaultAllotment: defaultAllotment,
		threshold:        threshold,
		periodCron:       periodCron,
	}
	for _, plan := range defaultPlans {
		p.plans[plan.Name] = plan
	}
	return p, nil
}

func (p *Plans) Lookup(name string) (Plan, bool) {
	plan, ok := p.plans[name]
	return plan, ok
}

// Allotment returns the monthly credits for a plan name.
func (p *Plans) Allotment(name string) int64 {
	if plan, ok := p.plans[name]; ok {
		return plan.MonthlyCredits
	}
	return p.defaultAllotment
}

// NewAccount builds an unsaved quota account whose period contains now.
func (p *Plans) NewAccount(orgID uuid.UUID, plan string, now time.Time) (*models.QuotaAccount, error) {
	start, end, err := util.PeriodContaining(p.periodCron, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("computing billing period: %w", err)
	}
	return &models.QuotaAccount{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		Allotment:        p.Allotment(plan),
		WarningThreshold: p.threshold,
		PeriodStart:      start,
		PeriodEnd:        end,
	}, nil
}
