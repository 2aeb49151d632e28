package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/gorm"
)

var ErrNoQuotaAccount = errors.New("organization has no quota account")

const (
	actionOverLimit = "Consider upgrading your plan or purchasing additional credits"
	actionNearLimit = "You are approaching your monthly limit"
)

// Summary is the current period's quota position.
type Summary struct {
	Allotment         int64     `json:"allotment"`
	Consumed          int64     `json:"consumed"`
	Remaining         int64     `json:"remaining"` // -1 when unlimited
	PercentUsed       float64   `json:"percent_used"`
	Unlimited         bool      `json:"unlimited"`
	NearLimit         bool      `json:"near_limit"`
	OverLimit         bool      `json:"over_limit"`
	RecommendedAction string    `json:"recommended_action,omitempty"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
}

// Tally is a count and credit total for one group.
type Tally struct {
	Count   int64 `json:"count"`
	Credits int64 `json:"credits"`
}

type DailyCredits struct {
	Date    string `json:"date"`
	Credits int64  `json:"credits"`
}

type TopEvent struct {
	EventType string  `json:"event_type"`
	Credits   int64   `json:"credits"`
	Percent   float64 `json:"percent"`
}

// Breakdown groups a range of usage events several ways.
type Breakdown struct {
	From        time.Time           `json:"from"`
	To          time.Time           `json:"to"`
	UsedCredits int64               `json:"used_credits"`
	ByEventType map[string]Tally    `json:"by_event_type"`
	ByIdentity  map[uuid.UUID]Tally `json:"by_identity"`
	Daily       []DailyCredits      `json:"daily"`
	TopEvents   []TopEvent          `json:"top_events"`
}

// Reporter answers read-only questions about usage.
type Reporter struct {
	db *gorm.DB
}

func NewReporter(db *gorm.DB) *Reporter {
	return &Reporter{db: db}
}

func (r *Reporter) Summary(ctx context.Context, orgID uuid.UUID) (*Summary, error) {
	var account models.QuotaAccount
	err := r.db.WithContext(ctx).Where("organization_id = ?", orgID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoQuotaAccount
	}
	if err != nil {
		return nil, fmt.Errorf("loading quota account: %w", err)
	}
	return Summarize(&account), nil
}

// Summarize derives a Summary from an account snapshot.
func Summarize(account *models.QuotaAccount) *Summary {
	s := &Summary{
		Allotment:   account.Allotment,
		Consumed:    account.Consumed,
		Remaining:   account.Remaining(),
		Unlimited:   account.Unlimited(),
		PeriodStart: account.PeriodStart,
		PeriodEnd:   account.PeriodEnd,
	}
	if s.Unlimited || account.Allotment == 0 {
		s.OverLimit = !s.Unlimited && account.Consumed > 0
		if s.OverLimit {
			s.RecommendedAction = actionOverLimit
		}
		return s
	}

	threshold := account.WarningThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultWarningThreshold
	}

	s.PercentUsed = float64(account.Consumed) / float64(account.Allotment) * 100
	s.OverLimit = account.Consumed >= account.Allotment
	s.NearLimit = float64(account.Consumed) >= threshold*float64(account.Allotment)
	switch {
	case s.OverLimit:
		s.RecommendedAction = actionOverLimit
	case s.NearLimit:
		s.RecommendedAction = actionNearLimit
	}
	return s
}

// History returns one page of events, newest first, and the total count.
func (r *Reporter) History(ctx context.Context, orgID uuid.UUID, page, perPage int) ([]models.UsageEvent, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	query := r.db.WithContext(ctx).Model(&models.UsageEvent{}).
		Where("organization_id = ?", orgID).
		Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting usage events: %w", err)
	}

	var events []models.UsageEvent
	err := query.Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing usage events: %w", err)
	}
	return events, total, nil
}

// Breakdown aggregates the events created in [from, to).
func (r *Reporter) Breakdown(ctx context.Context, orgID uuid.UUID, from, to time.Time) (*Breakdown, error) {
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: %s is not after %s", to, from)
	}

	var events []models.UsageEvent
	err := r.db.WithContext(ctx).
		Select("user_id", "event_type", "credits_charged", "created_at").
		Where("organization_id = ? AND created_at >= ? AND created_at < ?", orgID, from, to).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("loading usage events: %w", err)
	}
	return Aggregate(events, from, to), nil
}

// Aggregate builds a Breakdown from events already filtered to [from, to).
// Daily covers every UTC day in the range, including empty ones.
func Aggregate(events []models.UsageEvent, from, to time.Time) *Breakdown {
	b := &Breakdown{
		From:        from,
		To:          to,
		ByEventType: make(map[string]Tally),
		ByIdentity:  make(map[uuid.UUID]Tally),
	}

	daily := make(map[string]int64)
	for _, e := range events {
		b.UsedCredits += e.CreditsCharged

		t := b.ByEventType[e.EventType]
		t.Count++
		t.Credits += e.CreditsCharged
		b.ByEventType[e.EventType] = t

		u := b.ByIdentity[e.UserID]
		u.Count++
		u.Credits += e.CreditsCharged
		b.ByIdentity[e.UserID] = u

		daily[e.CreatedAt.UTC().Format(time.DateOnly)] += e.CreditsCharged
	}

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		b.Daily = append(b.Daily, DailyCredits{Date: key, Credits: daily[key]})
	}

	for eventType, t := range b.ByEventType {
		top := TopEvent{EventType: eventType, Credits: t.Credits}
		if b.UsedCredits > 0 {
			top.Percent = float64(t.Credits) / float64(b.UsedCredits) * 100
		}
		b.TopEvents = append(b.TopEvents, top)
	}
	sort.Slice(b.TopEvents, func(i, j int) bool {
		if b.TopEvents[i].Credits != b.TopEvents[j].Credits {
			return b.TopEvents[i].Credits > b.TopEvents[j].Credits
		}
		return b.TopEvents[i].EventType < b.TopEvents[j].EventType
	})
	if len(b.TopEvents) > 5 {
		b.TopEvents = b.TopEvents[:5]
	}
	return b
}
