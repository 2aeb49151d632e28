package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"gorm.io/datatypes"
)

// Reason explains a denied charge.
type Reason string

const (
	ReasonQuotaExceeded  Reason = "quota_exceeded"
	ReasonNoQuotaAccount Reason = "no_quota_account"
)

const DefaultWarningThreshold = 0.9

// ChargeRequest describes one costed action.
type ChargeRequest struct {
	OrganizationID uuid.UUID
	IdentityID     uuid.UUID
	EventType      string
	Input          Input
	ResourceID     *uuid.UUID
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// Verdict is the outcome of a charge attempt.
type Verdict struct {
	Allowed          bool       `json:"allowed"`
	Reason           Reason     `json:"reason,omitempty"`
	CreditsCharged   int64      `json:"credits_charged"`
	RemainingCredits int64      `json:"remaining_credits"` // -1 when unlimited
	Warning          bool       `json:"warning"`
	Overdraft        bool       `json:"overdraft,omitempty"`
	Replayed         bool       `json:"replayed,omitempty"`
	Class            Class      `json:"complexity_class,omitempty"`
	UsageEventID     *uuid.UUID `json:"usage_event_id,omitempty"`
}

// Recorder observes charge outcomes, e.g. for metrics.
type Recorder interface {
	ObserveCharge(eventType string, v Verdict)
}

// Meter prices actions and debits organization quotas.
type Meter struct {
	store     Store
	pricing   *Pricing
	threshold float64
	recorder  Recorder
	now       func() time.Time
	logger    *slog.Logger
}

type MeterOption func(*Meter)

func WithRecorder(r Recorder) MeterOption {
	return func(m *Meter) { m.recorder = r }
}

func WithMeterClock(now func() time.Time) MeterOption {
	return func(m *Meter) { m.now = now }
}

// WithDefaultThreshold sets the warning threshold used for accounts that
// carry none.
func WithDefaultThreshold(t float64) MeterOption {
	return func(m *Meter) {
		if t > 0 && t <= 1 {
			m.threshold = t
		}
	}
}

func NewMeter(store Store, pricing *Pricing, logger *slog.Logger, opts ...MeterOption) *Meter {
	m := &Meter{
		store:     store,
		pricing:   pricing,
		threshold: DefaultWarningThreshold,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Meter) Pricing() *Pricing {
	return m.pricing
}

// Charge prices the request and, if the quota allows, debits it and appends
// exactly one usage event. A repeated idempotency key returns the original
// verdict without a second debit.
func (m *Meter) Charge(ctx context.Context, req ChargeRequest) (Verdict, error) {
	quote, err := m.pricing.Quote(req.EventType, req.Input)
	if err != nil {
		return Verdict{}, err
	}

	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return Verdict{}, fmt.Errorf("encoding metadata: %w", err)
	}

	verdict, err := m.debit(ctx, req, quote, metadata)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost a race on the key; the retry sees the winner's event.
		verdict, err = m.debit(ctx, req, quote, metadata)
	}
	if err != nil {
		m.logger.Error("usage debit failed", "org_id", req.OrganizationID, "event_type", req.EventType, "error", err)
		return Verdict{Class: quote.Class}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	switch {
	case verdict.Overdraft && !verdict.Replayed:
		m.logger.Warn("quota overdraft",
			"org_id", req.OrganizationID,
			"event_type", req.EventType,
			"credits", verdict.CreditsCharged,
		)
	case !verdict.Allowed:
		m.logger.Info("charge denied",
			"org_id", req.OrganizationID,
			"event_type", req.EventType,
			"reason", verdict.Reason,
			"credits", quote.Credits,
			"remaining", verdict.RemainingCredits,
		)
	}

	if m.recorder != nil {
		m.recorder.ObserveCharge(req.EventType, verdict)
	}
	return verdict, nil
}

func (m *Meter) debit(ctx context.Context, req ChargeRequest, quote Quote, metadata datatypes.JSON) (Verdict, error) {
	var verdict Verdict
	err := m.store.Debit(ctx, req.OrganizationID, req.IdempotencyKey, func(account *models.QuotaAccount, prior *models.UsageEvent) *models.UsageEvent {
		if prior != nil {
			verdict = m.replay(account, prior)
			return nil
		}
		if account == nil {
			verdict = Verdict{Reason: ReasonNoQuotaAccount, Class: quote.Class}
			return nil
		}

		verdict = m.decide(account, quote)
		if !verdict.Allowed {
			return nil
		}

		event := &models.UsageEvent{
			ID:               uuid.New(),
			OrganizationID:   req.OrganizationID,
			UserID:           req.IdentityID,
			ResourceID:       req.ResourceID,
			EventType:        req.EventType,
			ComplexityClass:  string(quote.Class),
			ComplexitySignal: quote.Signal,
			CreditsCharged:   quote.Credits,
			Overdraft:        verdict.Overdraft,
			Metadata:         metadata,
			CreatedAt:        m.now().UTC(),
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			event.IdempotencyKey = &key
		}
		verdict.UsageEventID = &event.ID
		return event
	})
	return verdict, err
}

// decide applies the quota rules to a locked account snapshot.
func (m *Meter) decide(account *models.QuotaAccount, quote Quote) Verdict {
	v := Verdict{CreditsCharged: quote.Credits, Class: quote.Class}

	if account.Unlimited() {
		v.Allowed = true
		v.RemainingCredits = -1
		return v
	}

	next := account.Consumed + quote.Credits
	if next > account.Allotment {
		if !account.AllowOverdraft {
			return Verdict{
				Reason:           ReasonQuotaExceeded,
				RemainingCredits: account.Remaining(),
				Class:            quote.Class,
			}
		}
		v.Allowed = true
		v.Overdraft = true
		v.Warning = true
		v.RemainingCredits = 0
		return v
	}

	v.Allowed = true
	v.RemainingCredits = account.Allotment - next
	v.Warning = m.nearLimit(account, next)
	return v
}

func (m *Meter) replay(account *models.QuotaAccount, prior *models.UsageEvent) Verdict {
	id := prior.ID
	v := Verdict{
		Allowed:        true,
		CreditsCharged: prior.CreditsCharged,
		Class:          Class(prior.ComplexityClass),
		Overdraft:      prior.Overdraft,
		Replayed:       true,
		UsageEventID:   &id,
	}
	if account == nil {
		return v
	}
	v.RemainingCredits = account.Remaining()
	v.Warning = prior.Overdraft || (!account.Unlimited() && m.nearLimit(account, account.Consumed))
	return v
}

func (m *Meter) nearLimit(account *models.QuotaAccount, consumed int64) bool {
	threshold := account.WarningThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = m.threshold
	}
	return float64(consumed) >= threshold*float64(account.Allotment)
}

func encodeMetadata(md map[string]interface{}) (datatypes.JSON, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
