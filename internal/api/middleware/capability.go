package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/database/models"
)

// OrgParam is the chi URL parameter naming the organization acted on.
const OrgParam = "orgID"

// Directory resolves the actor and their membership for capability checks.
type Directory interface {
	User(ctx context.Context, id uuid.UUID) (*models.User, error)
	Organization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	Membership(ctx context.Context, identityID, orgID uuid.UUID) (*models.Membership, error)
}

// Denials receives the reason for every refused request.
type Denials interface {
	ObserveDenial(reason string)
}

// RequireCapability allows the request only when the authenticated identity
// is active and holds an active membership in the {orgID} organization whose
// role grants c. Lookup failures answer 503.
func RequireCapability(dir Directory, c access.Capability, denials Denials, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, err := uuid.Parse(chi.URLParam(r, OrgParam))
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid organization ID")
				return
			}

			ok, err := holdsCapability(r.Context(), dir, GetUserID(r.Context()), orgID, c)
			if err != nil {
				logger.Error("capability lookup failed", "org_id", orgID, "capability", c, "error", err)
				writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
				return
			}
			if !ok {
				if denials != nil {
					denials.ObserveDenial("forbidden")
				}
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func holdsCapability(ctx context.Context, dir Directory, userID, orgID uuid.UUID, c access.Capability) (bool, error) {
	user, err := dir.User(ctx, userID)
	if err != nil || user == nil || !user.IsActive() {
		return false, err
	}
	org, err := dir.Organization(ctx, orgID)
	if err != nil || org == nil || !org.IsActive() {
		return false, err
	}
	m, err := dir.Membership(ctx, userID, orgID)
	if err != nil || m == nil || !m.IsActive() {
		return false, err
	}
	return access.Can(m.Role, c), nil
}
