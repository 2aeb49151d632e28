// Package guard is the single entry point for privileged actions: it resolves
// the actor, evaluates access and, for costed actions, charges the quota.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/internal/lockout"
	"github.com/hugh/tollgate/internal/usage"
)

// ErrStoreUnavailable wraps every infrastructure fault. Nothing was charged
// and the action must not run.
var ErrStoreUnavailable = errors.New("authorization store unavailable")

type Reason string

const (
	ReasonForbidden     Reason = "forbidden"
	ReasonQuotaExceeded Reason = "quota_exceeded"
)

// Rejection is a policy denial. Forbidden rejections carry no detail so a
// missing resource is indistinguishable from an inaccessible one.
type Rejection struct {
	Reason           Reason
	QuotaReason      usage.Reason
	RemainingCredits int64
}

func (r *Rejection) Error() string {
	if r.Reason == ReasonQuotaExceeded {
		return fmt.Sprintf("quota exceeded (%s), %d credits remaining", r.QuotaReason, r.RemainingCredits)
	}
	return string(r.Reason)
}

var forbidden = &Rejection{Reason: ReasonForbidden}

// ChargeSpec describes the cost of the guarded action.
type ChargeSpec struct {
	EventType      string
	Input          usage.Input
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// Request asks whether an identity may act on a resource. Either Resource or
// ResourceID names the target.
type Request struct {
	IdentityID     uuid.UUID
	OrganizationID uuid.UUID
	ResourceID     uuid.UUID
	Resource       *models.Resource
	Required       access.Level
	Charge         *ChargeSpec
}

// Outcome is returned when the action may proceed.
type Outcome struct {
	Access   access.Verdict
	Resource *models.Resource
	Charge   *usage.Verdict
}

// Warning reports whether the charge crossed the soft limit.
func (o *Outcome) Warning() bool {
	return o.Charge != nil && o.Charge.Warning
}

// Actors resolves identities and organizations; both return (nil, nil) when
// nothing matches.
type Actors interface {
	User(ctx context.Context, id uuid.UUID) (*models.User, error)
	Organization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

type Guard struct {
	actors    Actors
	evaluator *access.Evaluator
	meter     *usage.Meter
	logger    *slog.Logger
}

func New(actors Actors, evaluator *access.Evaluator, meter *usage.Meter, logger *slog.Logger) *Guard {
	return &Guard{actors: actors, evaluator: evaluator, meter: meter, logger: logger}
}

// Authorize runs the checks in order: actor, access, then charge. The meter
// is only reached once access is granted, and the charge is the last step
// before the caller's action.
func (g *Guard) Authorize(ctx context.Context, req Request) (*Outcome, error) {
	if err := g.resolveActor(ctx, req.IdentityID, req.OrganizationID); err != nil {
		return nil, err
	}

	resource := req.Resource
	if resource == nil && req.ResourceID != uuid.Nil {
		r, err := g.evaluator.LoadResource(ctx, req.ResourceID)
		if err != nil {
			return nil, g.unavailable(err)
		}
		resource = r
	}

	verdict, err := g.evaluator.Evaluate(ctx, req.IdentityID, req.OrganizationID, resource)
	if err != nil {
		return nil, g.unavailable(err)
	}
	if verdict.Level < req.Required {
		g.logger.Debug("access denied",
			"user_id", req.IdentityID,
			"org_id", req.OrganizationID,
			"required", req.Required.String(),
			"level", verdict.Level.String(),
		)
		return nil, forbidden
	}

	outcome := &Outcome{Access: verdict, Resource: resource}
	if req.Charge == nil {
		return outcome, nil
	}

	chargeReq := usage.ChargeRequest{
		OrganizationID: req.OrganizationID,
		IdentityID:     req.IdentityID,
		EventType:      req.Charge.EventType,
		Input:          req.Charge.Input,
		IdempotencyKey: req.Charge.IdempotencyKey,
		Metadata:       req.Charge.Metadata,
	}
	if resource != nil {
		id := resource.ID
		chargeReq.ResourceID = &id
	}

	charge, err := g.meter.Charge(ctx, chargeReq)
	if err != nil {
		if errors.Is(err, usage.ErrStoreUnavailable) {
			return nil, g.unavailable(err)
		}
		return nil, err
	}
	if !charge.Allowed {
		return nil, &Rejection{
			Reason:           ReasonQuotaExceeded,
			QuotaReason:      charge.Reason,
			RemainingCredits: charge.RemainingCredits,
		}
	}

	outcome.Charge = &charge
	return outcome, nil
}

// CheckActor runs only the actor step: an active identity acting in an active
// organization. Used by operations that have no single target resource.
func (g *Guard) CheckActor(ctx context.Context, identityID, orgID uuid.UUID) error {
	return g.resolveActor(ctx, identityID, orgID)
}

func (g *Guard) resolveActor(ctx context.Context, identityID, orgID uuid.UUID) error {
	user, err := g.actors.User(ctx, identityID)
	if err != nil {
		return g.unavailable(err)
	}
	if user == nil || !user.IsActive() {
		return forbidden
	}

	org, err := g.actors.Organization(ctx, orgID)
	if err != nil {
		return g.unavailable(err)
	}
	if org == nil || !org.IsActive() {
		return forbidden
	}
	return nil
}

func (g *Guard) unavailable(err error) error {
	g.logger.Error("authorization lookup failed", "error", err)
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// IsForbidden reports whether err is a Forbidden rejection.
func IsForbidden(err error) bool {
	var r *Rejection
	return errors.As(err, &r) && r.Reason == ReasonForbidden
}

// StatusCode maps an authorization error to its HTTP status.
func StatusCode(err error) int {
	var rejection *Rejection
	var locked *auth.LockedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &rejection):
		if rejection.Reason == ReasonQuotaExceeded {
			return http.StatusPaymentRequired
		}
		return http.StatusForbidden
	case errors.As(err, &locked):
		return http.StatusLocked
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, lockout.ErrStoreUnavailable),
		errors.Is(err, usage.ErrStoreUnavailable),
		errors.Is(err, access.ErrLookupFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
