package handlers

import (
	"errors"
	"net/http"

	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/api/dto"
	"github.com/hugh/tollgate/internal/api/middleware"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/database/models"
)

type MeHandler struct {
	authService auth.Authenticator
}

func NewMeHandler(authService auth.Authenticator) *MeHandler {
	return &MeHandler{authService: authService}
}

// Get handles GET /api/v1/me: the caller, their active memberships and the
// capabilities each role grants.
func (h *MeHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.authService.GetUserByID(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}

	memberships := make([]dto.MembershipDTO, 0, len(user.Memberships))
	for i := range user.Memberships {
		memberships = append(memberships, membershipToDTO(&user.Memberships[i]))
	}

	writeJSON(w, http.StatusOK, dto.MeResponse{
		ID:             user.ID.String(),
		Email:          user.Email,
		Name:           user.Name,
		OrganizationID: middleware.GetOrganizationID(r.Context()).String(),
		Memberships:    memberships,
	})
}

func membershipToDTO(m *models.Membership) dto.MembershipDTO {
	caps := access.Capabilities(m.Role).List()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}

	out := dto.MembershipDTO{
		UserID:         m.UserID.String(),
		OrganizationID: m.OrganizationID.String(),
		Role:           string(m.Role),
		Status:         string(m.Status),
		Capabilities:   names,
	}
	if m.User != nil {
		out.Email = m.User.Email
		out.Name = m.User.Name
	}
	if m.Organization != nil {
		out.OrgName = m.Organization.Name
	}
	return out
}
