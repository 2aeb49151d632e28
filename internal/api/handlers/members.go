package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/api/dto"
	"github.com/hugh/tollgate/internal/api/middleware"
	"github.com/hugh/tollgate/internal/database/models"
)

type MemberHandler struct {
	members *access.MembershipService
	logger  *slog.Logger
}

func NewMemberHandler(members *access.MembershipService, logger *slog.Logger) *MemberHandler {
	return &MemberHandler{members: members, logger: logger}
}

// List handles GET /api/v1/organizations/{orgID}/members
func (h *MemberHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}

	members, err := h.members.List(r.Context(), middleware.GetUserID(r.Context()), orgID)
	if err != nil {
		h.fail(w, err)
		return
	}

	out := make([]dto.MembershipDTO, len(members))
	for i := range members {
		out[i] = membershipToDTO(&members[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// Add handles POST /api/v1/organizations/{orgID}/members
func (h *MemberHandler) Add(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}

	var req dto.AddMemberRequest
	if !decodeJSON(w, r, &req) || !validated(w, req.Validate()) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	m, err := h.members.Add(r.Context(), middleware.GetUserID(r.Context()), orgID, email, models.Role(req.Role))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, membershipToDTO(m))
}

// ChangeRole handles PUT /api/v1/organizations/{orgID}/members/{userID}/role
func (h *MemberHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID", "user")
	if !ok {
		return
	}

	var req dto.ChangeRoleRequest
	if !decodeJSON(w, r, &req) || !validated(w, req.Validate()) {
		return
	}

	m, err := h.members.ChangeRole(r.Context(), middleware.GetUserID(r.Context()), orgID, userID, models.Role(req.Role))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, membershipToDTO(m))
}

// Revoke handles DELETE /api/v1/organizations/{orgID}/members/{userID}
func (h *MemberHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	orgID, ok := uuidParam(w, r, middleware.OrgParam, "organization")
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID", "user")
	if !ok {
		return
	}

	if err := h.members.Revoke(r.Context(), middleware.GetUserID(r.Context()), orgID, userID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MemberHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrNotPermitted):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, access.ErrMembershipNotFound):
		writeError(w, http.StatusNotFound, "Membership not found")
	case errors.Is(err, access.ErrIdentityNotFound):
		writeError(w, http.StatusNotFound, "No user is registered with that email")
	case errors.Is(err, access.ErrAlreadyMember):
		writeError(w, http.StatusConflict, "User is already a member")
	case errors.Is(err, access.ErrOwnerProtected):
		writeError(w, http.StatusConflict, "The owner membership cannot be assigned or changed")
	case errors.Is(err, access.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, "Unknown role")
	case errors.Is(err, access.ErrLookupFailed):
		h.logger.Error("membership lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		h.logger.Error("membership operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Membership operation failed")
	}
}
